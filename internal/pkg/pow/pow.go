/*
Package pow implements the Proof-of-Work challenge that guards email-sending endpoints.

The server hands out a nonce; the client searches for a counter whose SHA-256 of nonce+counter has
the required number of leading hex zeros and trades the solution for a short-lived, single-use
proof token. The token is then presented with the request that sends the magic link email.
*/
package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// TokenHeaderKey is the HTTP header key used by the client to send the proof token.
	TokenHeaderKey = "X-PoW-Token"

	// ProofTokenDuration is the validity period of a proof token.
	ProofTokenDuration = 30 * time.Second

	// NonceExpiryDuration is the validity period of a challenge nonce.
	NonceExpiryDuration = 5 * time.Minute
)

var (
	// ErrNonceInvalid is returned for unknown, expired or already used nonces.
	ErrNonceInvalid = errors.New("nonce expired or invalid")

	// ErrProofInsufficient is returned when the hash misses the difficulty target.
	ErrProofInsufficient = errors.New("proof does not meet difficulty requirement")
)

// Manager tracks outstanding nonces and issued proof tokens. It is safe for concurrent use.
type Manager struct {
	// difficulty is the required number of leading zeros of the hex hash.
	difficulty int

	// nonceStore maps active nonces to their expiry.
	nonceStore map[string]time.Time

	// tokenStore maps issued proof tokens to their expiry.
	tokenStore map[string]time.Time

	// mu protects nonceStore and tokenStore.
	mu sync.Mutex

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewManager creates a Manager and starts the goroutine that purges expired entries.
// Call Stop to release it.
func NewManager(difficulty int) *Manager {
	m := &Manager{
		difficulty: difficulty,
		nonceStore: make(map[string]time.Time),
		tokenStore: make(map[string]time.Time),
		stop:       make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupExpiredEntries()

	return m
}

// Difficulty returns the number of leading zeros a proof must have.
func (m *Manager) Difficulty() int {
	return m.difficulty
}

// GenerateNonce issues a new challenge nonce.
func (m *Manager) GenerateNonce() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce := uuid.New().String()
	m.nonceStore[nonce] = time.Now().Add(NonceExpiryDuration)
	return nonce
}

// ValidateProof checks the client's counter for nonce. The nonce is consumed on success and a
// proof token is returned.
func (m *Manager) ValidateProof(nonce, counter string) (string, error) {
	if !Verify(nonce, counter, m.difficulty) {
		m.mu.Lock()
		_, known := m.nonceStore[nonce]
		m.mu.Unlock()

		if !known {
			return "", ErrNonceInvalid
		}
		return "", ErrProofInsufficient
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiryTime, ok := m.nonceStore[nonce]
	if !ok || time.Now().After(expiryTime) {
		return "", ErrNonceInvalid
	}

	delete(m.nonceStore, nonce)

	token := uuid.New().String()
	m.tokenStore[token] = time.Now().Add(ProofTokenDuration)
	return token, nil
}

// ConsumeProofToken reports whether r carries a valid proof token and invalidates it.
// The token is read from the X-PoW-Token header or the pow_token query parameter.
func (m *Manager) ConsumeProofToken(r *http.Request) bool {
	token := r.Header.Get(TokenHeaderKey)
	if token == "" {
		token = r.URL.Query().Get("pow_token")
	}

	if token == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiryTime, ok := m.tokenStore[token]
	if !ok {
		return false
	}

	delete(m.tokenStore, token)
	return !time.Now().After(expiryTime)
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) cleanupExpiredEntries() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.purge(now)
		}
	}
}

func (m *Manager) purge(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for nonce, expiry := range m.nonceStore {
		if now.After(expiry) {
			delete(m.nonceStore, nonce)
		}
	}

	for token, expiry := range m.tokenStore {
		if now.After(expiry) {
			delete(m.tokenStore, token)
		}
	}
}

// Verify reports whether sha256(nonce+counter) has difficulty leading hex zeros.
func Verify(nonce, counter string, difficulty int) bool {
	hash := sha256.Sum256([]byte(nonce + counter))
	return strings.HasPrefix(hex.EncodeToString(hash[:]), strings.Repeat("0", difficulty))
}

// Solve searches for the smallest counter satisfying difficulty for nonce. It is what clients run
// before requesting a proof token.
func Solve(nonce string, difficulty int) string {
	for i := 0; ; i++ {
		counter := strconv.Itoa(i)
		if Verify(nonce, counter, difficulty) {
			return counter
		}
	}
}
