package pow

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSolveAndValidate(t *testing.T) {
	m := NewManager(2)
	defer m.Stop()

	nonce := m.GenerateNonce()
	counter := Solve(nonce, m.Difficulty())
	require.True(t, Verify(nonce, counter, 2))

	token, err := m.ValidateProof(nonce, counter)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = m.ValidateProof(nonce, counter)
	assert.ErrorIs(t, err, ErrNonceInvalid)
}

func TestValidateRejectsWrongCounter(t *testing.T) {
	m := NewManager(3)
	defer m.Stop()

	nonce := m.GenerateNonce()
	counter := Solve(nonce, 3)

	wrong := counter + "x"
	if Verify(nonce, wrong, 3) {
		t.Skip("accidental solution")
	}

	_, err := m.ValidateProof(nonce, wrong)
	assert.ErrorIs(t, err, ErrProofInsufficient)

	_, err = m.ValidateProof("unknown", Solve("unknown", 3))
	assert.ErrorIs(t, err, ErrNonceInvalid)
}

func TestProofTokenIsSingleUse(t *testing.T) {
	m := NewManager(1)
	defer m.Stop()

	nonce := m.GenerateNonce()
	token, err := m.ValidateProof(nonce, Solve(nonce, 1))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set(TokenHeaderKey, token)

	assert.True(t, m.ConsumeProofToken(r))
	assert.False(t, m.ConsumeProofToken(r))
	assert.False(t, m.ConsumeProofToken(httptest.NewRequest(http.MethodPost, "/", nil)))
}

func TestPurgeDropsExpiredEntries(t *testing.T) {
	m := NewManager(0)
	defer m.Stop()

	nonce := m.GenerateNonce()
	m.purge(time.Now().Add(NonceExpiryDuration + time.Second))

	_, err := m.ValidateProof(nonce, "0")
	assert.ErrorIs(t, err, ErrNonceInvalid)
}
