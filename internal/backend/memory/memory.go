/*
Package memory is an in-process chat backend.

It implements backend.Client without any network: accounts, sessions, message history and realtime
fan-out all live in one Backend value. The terminal client uses it for offline demos and the
controller tests use it as their backend. Failures can be injected per operation.
*/
package memory

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"foliochat/internal/app/feed"
	"foliochat/internal/app/message"
	"foliochat/internal/app/session"
	"foliochat/internal/app/user"
	"foliochat/internal/backend"
	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/randx"
)

const (
	subscriberBuffer = 64
	sessionTTL       = time.Hour
)

type account struct {
	identity     *user.Identity
	passwordHash []byte
	confirmed    bool
}

// Backend is a complete in-memory chat backend. The zero value is not usable; call New.
type Backend struct {
	mu sync.Mutex

	accounts   map[string]*account
	current    *session.Session
	magicLinks map[string]string

	rooms map[string][]message.Message
	subs  map[string]map[*subscription]struct{}

	handlers    map[uint64]func(session.Event)
	nextHandler uint64

	// failures are consumed by the next call of the matching op.
	failures map[backend.Op][]error

	// hang makes calls of the op block until their context ends.
	hang map[backend.Op]bool

	// RequireConfirmation makes SignUp return no session until ConfirmSignUp.
	RequireConfirmation bool

	// OAuthEnabled controls whether SignInWithOAuth succeeds.
	OAuthEnabled bool

	ids *randx.IDGenerator

	logger zerolog.Logger
}

// New returns an empty Backend. Sign-up requires confirmation and OAuth is disabled, as on a fresh
// hosted project.
func New() *Backend {
	return &Backend{
		accounts:            make(map[string]*account),
		magicLinks:          make(map[string]string),
		rooms:               make(map[string][]message.Message),
		subs:                make(map[string]map[*subscription]struct{}),
		handlers:            make(map[uint64]func(session.Event)),
		failures:            make(map[backend.Op][]error),
		hang:                make(map[backend.Op]bool),
		RequireConfirmation: true,
		ids:                 randx.NewIDGenerator(nil),
		logger:              logx.Component("MemoryBackend"),
	}
}

// FailNext makes the next call of op fail as if the server had answered with status, code and
// text.
func (b *Backend) FailNext(op backend.Op, status, code int, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[op] = append(b.failures[op], backend.Classify(op, status, code, text, nil))
}

// Hang makes every later call of op block until its context is done.
func (b *Backend) Hang(op backend.Op, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hang[op] = on
}

// begin applies injected behaviour for op. Callers must not hold mu.
func (b *Backend) begin(ctx context.Context, op backend.Op) error {
	if err := ctx.Err(); err != nil {
		return backend.Classify(op, 0, 0, "", err)
	}

	b.mu.Lock()
	hang := b.hang[op]
	var injected error
	if q := b.failures[op]; len(q) > 0 {
		injected = q[0]
		b.failures[op] = q[1:]
	}
	b.mu.Unlock()

	if injected != nil {
		return injected
	}

	if hang {
		<-ctx.Done()
		return backend.Classify(op, 0, 0, "", ctx.Err())
	}

	return nil
}

// Session returns the current session or nil.
func (b *Backend) Session(ctx context.Context) (*session.Session, error) {
	if err := b.begin(ctx, backend.OpSession); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return nil, nil
	}
	s := *b.current
	return &s, nil
}

// OnAuthStateChange registers fn. Events are delivered synchronously from the call that caused
// them, after the backend lock is released.
func (b *Backend) OnAuthStateChange(fn func(session.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextHandler
	b.nextHandler++
	b.handlers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *Backend) emit(ev session.Event) {
	b.mu.Lock()
	fns := make([]func(session.Event), 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// signInLocked starts a session for acc. Callers hold mu.
func (b *Backend) signInLocked(acc *account) *session.Session {
	b.current = &session.Session{
		AccessToken: randx.SessionID(),
		ExpiresAt:   time.Now().Add(sessionTTL),
		Identity:    acc.identity,
	}
	s := *b.current
	return &s
}

func authError(op backend.Op, code int) error {
	ce := errs.NewError(code)
	return backend.Classify(op, ce.Status, ce.Code, ce.Message, nil)
}

// SignInWithPassword logs in a confirmed account.
func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	if err := b.begin(ctx, backend.OpSignIn); err != nil {
		return nil, err
	}

	email = user.NormalizeEmail(email)

	b.mu.Lock()
	acc, ok := b.accounts[email]
	if !ok || acc.passwordHash == nil || bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)) != nil {
		b.mu.Unlock()
		return nil, authError(backend.OpSignIn, errs.ErrInvalidCredentials)
	}
	if !acc.confirmed {
		b.mu.Unlock()
		return nil, authError(backend.OpSignIn, errs.ErrEmailNotConfirmed)
	}
	s := b.signInLocked(acc)
	b.mu.Unlock()

	b.emit(session.Event{Type: session.SignedIn, Identity: s.Identity})
	return s, nil
}

// SignUp registers an account with a display name profile.
func (b *Backend) SignUp(ctx context.Context, email, password string, profile user.Metadata) (*session.Session, error) {
	if err := b.begin(ctx, backend.OpSignUp); err != nil {
		return nil, err
	}

	email = user.NormalizeEmail(email)
	if user.ValidateEmail(email) != nil {
		return nil, authError(backend.OpSignUp, errs.ErrInvalidEmail)
	}
	if user.ValidatePassword(password) != nil {
		return nil, authError(backend.OpSignUp, errs.ErrInvalidPassword)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, backend.Classify(backend.OpSignUp, 0, 0, "", err)
	}

	b.mu.Lock()
	if _, exists := b.accounts[email]; exists {
		b.mu.Unlock()
		return nil, authError(backend.OpSignUp, errs.ErrUserAlreadyExists)
	}

	acc := &account{
		identity:     &user.Identity{ID: randx.UserID(), Email: email, Metadata: profile},
		passwordHash: hash,
		confirmed:    !b.RequireConfirmation,
	}
	b.accounts[email] = acc

	if b.RequireConfirmation {
		b.mu.Unlock()
		b.logger.Info().Str("email", email).Msg("Sign-up awaiting confirmation.")
		return nil, nil
	}

	s := b.signInLocked(acc)
	b.mu.Unlock()

	b.emit(session.Event{Type: session.SignedIn, Identity: s.Identity})
	return s, nil
}

// ConfirmSignUp marks a pending account as confirmed.
func (b *Backend) ConfirmSignUp(email string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	acc, ok := b.accounts[user.NormalizeEmail(email)]
	if !ok {
		return false
	}
	acc.confirmed = true
	return true
}

// SignInWithOTP records a magic link for email. CompleteMagicLink plays the click.
func (b *Backend) SignInWithOTP(ctx context.Context, email string) error {
	if err := b.begin(ctx, backend.OpOTP); err != nil {
		return err
	}

	email = user.NormalizeEmail(email)
	if user.ValidateEmail(email) != nil {
		return authError(backend.OpOTP, errs.ErrInvalidEmail)
	}

	token, err := randx.Token()
	if err != nil {
		return backend.Classify(backend.OpOTP, 0, 0, "", err)
	}

	b.mu.Lock()
	b.magicLinks[email] = token
	b.mu.Unlock()

	b.logger.Info().Str("email", email).Msg("Magic link issued.")
	return nil
}

// CompleteMagicLink signs in the address a magic link was issued for, creating the account on
// first use.
func (b *Backend) CompleteMagicLink(email string) (*session.Session, error) {
	email = user.NormalizeEmail(email)

	b.mu.Lock()
	if _, ok := b.magicLinks[email]; !ok {
		b.mu.Unlock()
		return nil, authError(backend.OpOTP, errs.ErrMagicLinkInvalid)
	}
	delete(b.magicLinks, email)

	acc, ok := b.accounts[email]
	if !ok {
		acc = &account{identity: &user.Identity{ID: randx.UserID(), Email: email}}
		b.accounts[email] = acc
	}
	acc.confirmed = true
	s := b.signInLocked(acc)
	b.mu.Unlock()

	b.emit(session.Event{Type: session.SignedIn, Identity: s.Identity})
	return s, nil
}

// SignInWithOAuth returns a pseudo authorization URL when OAuth is enabled.
func (b *Backend) SignInWithOAuth(ctx context.Context, provider backend.Provider) (string, error) {
	if err := b.begin(ctx, backend.OpOAuth); err != nil {
		return "", err
	}

	b.mu.Lock()
	enabled := b.OAuthEnabled
	b.mu.Unlock()

	if !enabled || provider != backend.ProviderGoogle {
		return "", authError(backend.OpOAuth, errs.ErrProviderNotEnabled)
	}

	return "memory://oauth/" + string(provider), nil
}

// SignOut ends the current session.
func (b *Backend) SignOut(ctx context.Context) error {
	if err := b.begin(ctx, backend.OpSignOut); err != nil {
		return err
	}

	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()

	b.emit(session.Event{Type: session.SignedOut})
	return nil
}

// Insert persists a draft for the signed-in user and broadcasts it to the room's subscribers.
func (b *Backend) Insert(ctx context.Context, draft message.Draft) (message.Message, error) {
	if err := b.begin(ctx, backend.OpInsert); err != nil {
		return message.Message{}, err
	}

	text, err := message.NormalizeText(draft.Text)
	if err != nil {
		code := errs.ErrMessageEmpty
		if errors.Is(err, message.ErrMessageTooLong) {
			code = errs.ErrMessageContentTooLong
		}
		return message.Message{}, backend.Classify(backend.OpInsert, http.StatusBadRequest, code, err.Error(), nil)
	}

	id, err := b.ids.New()
	if err != nil {
		return message.Message{}, backend.Classify(backend.OpInsert, 0, 0, "", err)
	}

	b.mu.Lock()
	if b.current == nil || b.current.Identity.ID != draft.UserID {
		b.mu.Unlock()
		return message.Message{}, authError(backend.OpInsert, errs.ErrUnauthorized)
	}

	msg := message.Message{
		ID:          id,
		Room:        draft.Room,
		Text:        text,
		UserID:      draft.UserID,
		DisplayName: draft.DisplayName,
		PhotoURL:    draft.PhotoURL,
		CreatedAt:   time.Now(),
	}
	b.rooms[draft.Room] = append(b.rooms[draft.Room], msg)

	for sub := range b.subs[draft.Room] {
		sub.deliver(feed.Event{Kind: feed.KindInsert, Message: msg})
	}
	b.mu.Unlock()

	return msg, nil
}

// Post persists m as if another client had sent it and broadcasts it. An empty id is assigned.
func (b *Backend) Post(m message.Message) (message.Message, error) {
	if m.ID == "" {
		id, err := b.ids.New()
		if err != nil {
			return message.Message{}, backend.Classify(backend.OpInsert, 0, 0, "", err)
		}
		m.ID = id
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rooms[m.Room] = append(b.rooms[m.Room], m)
	for sub := range b.subs[m.Room] {
		sub.deliver(feed.Event{Kind: feed.KindInsert, Message: m})
	}
	return m, nil
}

// Seed appends persisted messages to a room without broadcasting them.
func (b *Backend) Seed(room string, msgs ...message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rooms[room] = append(b.rooms[room], msgs...)
	sort.SliceStable(b.rooms[room], func(i, j int) bool {
		return b.rooms[room][i].ID < b.rooms[room][j].ID
	})
}

// History returns the newest messages of (After, UpTo] in id order.
func (b *Backend) History(ctx context.Context, q message.HistoryQuery) ([]message.Message, error) {
	if err := b.begin(ctx, backend.OpHistory); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []message.Message
	for _, m := range b.rooms[q.Room] {
		if q.After != "" && m.ID <= q.After {
			continue
		}
		if q.UpTo != "" && m.ID > q.UpTo {
			continue
		}
		out = append(out, m)
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}

	return append([]message.Message(nil), out...), nil
}

// Subscribe opens a realtime channel. Its first event is ready with the room's newest id.
func (b *Backend) Subscribe(ctx context.Context, room string) (feed.Subscription, error) {
	if err := b.begin(ctx, backend.OpSubscribe); err != nil {
		return nil, err
	}

	sub := &subscription{
		backend: b,
		room:    room,
		events:  make(chan feed.Event, subscriberBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := ""
	if msgs := b.rooms[room]; len(msgs) > 0 {
		cursor = msgs[len(msgs)-1].ID
	}
	sub.deliver(feed.Event{Kind: feed.KindReady, Cursor: cursor})

	if b.subs[room] == nil {
		b.subs[room] = make(map[*subscription]struct{})
	}
	b.subs[room][sub] = struct{}{}

	return sub, nil
}

// Drop closes every open channel of room with an error, as a server restart would.
func (b *Backend) Drop(room string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[room] {
		sub.closeLocked(backend.Classify(backend.OpSubscribe, 0, 0, "channel dropped", nil))
	}
}

// Subscribers returns the number of open channels of room.
func (b *Backend) Subscribers(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs[room])
}

// subscription is one realtime channel. Its fields are guarded by the backend's mu.
type subscription struct {
	backend *Backend
	room    string
	events  chan feed.Event
	err     error
	closed  bool
}

func (s *subscription) Events() <-chan feed.Event {
	return s.events
}

func (s *subscription) Err() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	return s.err
}

func (s *subscription) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	s.closeLocked(nil)
	return nil
}

// deliver queues ev; a subscriber that fell too far behind is disconnected. Callers hold mu.
func (s *subscription) deliver(ev feed.Event) {
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.closeLocked(backend.Classify(backend.OpSubscribe, 0, 0, "subscriber too slow", nil))
	}
}

// closeLocked closes the channel once. Callers hold mu.
func (s *subscription) closeLocked(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = cause
	close(s.events)
	delete(s.backend.subs[s.room], s)
}
