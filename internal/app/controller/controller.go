/*
Package controller implements the chat widget state machine.

A Controller owns one room's Session Store, Message Store, Realtime Feed and the local demo room.
It moves between Initializing, Unauthenticated, Authenticating and Authenticated, or lands in
BackendUnavailable when no backend is configured. Every method is safe for concurrent use; UI
drivers read state through Snapshot and OnUpdate.

History and realtime are reconciled with a cursor: the feed is opened first, its ready event carries
the newest message id, history is fetched up to that id while live inserts are buffered, and the
buffer is flushed afterwards. Messages are deduplicated by id and never re-sorted.
*/
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"foliochat/internal/app/fallback"
	"foliochat/internal/app/feed"
	"foliochat/internal/app/message"
	"foliochat/internal/app/session"
	"foliochat/internal/app/user"
	"foliochat/internal/backend"
	"foliochat/internal/configs"
	"foliochat/internal/pkg/logx"
	"foliochat/internal/pkg/randx"
)

const (
	defaultLookback       = 5 * time.Second
	defaultAutoCloseDelay = 3 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

var (
	// ErrBusy is returned while another login call is in flight.
	ErrBusy = errors.New("another request is still processing")

	// ErrBackendUnavailable is returned by backend operations in BackendUnavailable.
	ErrBackendUnavailable = errors.New("chat backend is not configured")

	// ErrAlreadySignedIn is returned by login operations while Authenticated.
	ErrAlreadySignedIn = errors.New("already signed in")

	// ErrMissingCredentials is returned when email or password is blank.
	ErrMissingCredentials = errors.New("email and password are required")

	// ErrDisplayNameRequired is returned by SignUp without a display name.
	ErrDisplayNameRequired = errors.New("display name is required to sign up")

	// ErrUnknownLoginMode is returned by SelectLoginMode.
	ErrUnknownLoginMode = errors.New("unknown login mode")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// State is the controller state.
type State string

const (
	StateInitializing       State = "initializing"
	StateUnauthenticated    State = "unauthenticated"
	StateAuthenticating     State = "authenticating"
	StateAuthenticated      State = "authenticated"
	StateBackendUnavailable State = "backend_unavailable"
)

// LoginMode is one tab of the login form.
type LoginMode string

const (
	ModeMagic  LoginMode = "magic"
	ModeEmail  LoginMode = "email"
	ModeGoogle LoginMode = "google"
)

var loginModes = []LoginMode{ModeMagic, ModeEmail, ModeGoogle}

// Snapshot is a copy of everything a UI renders.
type Snapshot struct {
	State State

	// Identity is nil when signed out.
	Identity    *user.Identity
	DisplayName string
	AvatarURL   string
	Initials    string
	AvatarColor string

	Messages  []message.Message
	FeedState feed.State

	// Syncing is true while history up to the feed cursor is loading.
	Syncing bool

	// HistoryLoaded is true once history was loaded for the current sign-in.
	HistoryLoaded bool

	CanCompose bool
	Draft      string

	Processing   bool
	Status       *Status
	Confirmation *Confirmation
	LoginMode    LoginMode

	// AuthorizeURL is the provider page to open after LoginWithProvider.
	AuthorizeURL string

	ShowFallback bool
	GuestName    string
	Fallback     []fallback.Message
}

// Option customizes a Controller.
type Option func(*Controller)

// WithFeedOptions passes options to the Realtime Feed.
func WithFeedOptions(opts ...feed.Option) Option {
	return func(c *Controller) { c.feedOpts = append(c.feedOpts, opts...) }
}

// WithLookback sets how far before the newest known message a reconnect re-reads history.
func WithLookback(d time.Duration) Option {
	return func(c *Controller) { c.lookback = d }
}

// WithAutoCloseDelay sets how long auto-closing statuses stay visible.
func WithAutoCloseDelay(d time.Duration) Option {
	return func(c *Controller) { c.autoCloseDelay = d }
}

// Controller drives one chat room.
type Controller struct {
	cfg    configs.ClientConfig
	client backend.Client

	sessions *session.Store
	messages *message.Store
	feed     *feed.Feed
	demo     *fallback.Room

	feedOpts       []feed.Option
	lookback       time.Duration
	autoCloseDelay time.Duration

	// ctx lives until Close and parents background work.
	ctx    context.Context
	cancel context.CancelFunc

	// mu protects the fields below.
	mu           sync.Mutex
	state        State
	processing   bool
	status       *Status
	statusTimer  *time.Timer
	confirmation *Confirmation
	loginMode    LoginMode
	draft        string
	authorizeURL string
	showFallback bool
	closed       bool

	// syncing buffers live inserts while history up to the cursor is fetched.
	syncing bool
	buffer  []message.Message

	// generation invalidates syncs started for an older ready event.
	generation uint64

	// synced records that history was loaded once for the current feed session.
	synced bool

	listeners  map[uint64]func(Snapshot)
	nextListen uint64

	stopSession func()

	// syncMu serializes history fetches.
	syncMu sync.Mutex

	wg sync.WaitGroup

	logger zerolog.Logger
}

// New creates a Controller for cfg. A nil client or an invalid configuration yields a controller
// that starts in BackendUnavailable.
func New(cfg *configs.ClientConfig, client backend.Client, opts ...Option) *Controller {
	c := &Controller{
		demo:           fallback.NewRoom(),
		lookback:       defaultLookback,
		autoCloseDelay: defaultAutoCloseDelay,
		state:          StateInitializing,
		loginMode:      ModeMagic,
		listeners:      make(map[uint64]func(Snapshot)),
		logger:         logx.Component("ChatController"),
	}
	if cfg != nil {
		c.cfg = *cfg
	}
	if c.cfg.Room == "" {
		c.cfg.Room = configs.DefaultRoom
	}
	if c.cfg.RequestTimeout <= 0 {
		c.cfg.RequestTimeout = defaultRequestTimeout
	}

	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if client != nil && cfg != nil && cfg.Validate() == nil {
		c.client = client
		c.sessions = session.NewStore(client)
		c.messages = message.NewStore(client, c.cfg.Room, c.cfg.HistoryLimit)
		c.feed = feed.New(client, c.cfg.Room, c.feedOpts...)
	}

	return c
}

// withTimeout bounds one backend call.
func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// Start runs the Initializing state. It loads the identity and, when signed-out reads are allowed,
// opens the feed concurrently; then settles on Authenticated or Unauthenticated.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.client == nil {
		c.state = StateBackendUnavailable
		c.showFallback = true
		c.mu.Unlock()

		c.logger.Warn().Msg("Chat backend is not configured. Using the demo chat.")
		c.notify()
		return nil
	}
	c.mu.Unlock()

	stop := c.sessions.OnIdentityChange(c.onAuthEvent)
	c.mu.Lock()
	c.stopSession = stop
	c.mu.Unlock()
	c.sessions.Start()

	var identity *user.Identity
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rctx, cancel := c.withTimeout(gctx)
		defer cancel()

		identity = c.sessions.Load(rctx)
		return nil
	})

	if c.cfg.ReadWhileSignedOut {
		g.Go(func() error {
			c.openFeed(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateInitializing {
		if identity != nil {
			c.state = StateAuthenticated
		} else {
			c.state = StateUnauthenticated
		}
	}
	authenticated := c.state == StateAuthenticated
	c.mu.Unlock()

	c.logger.Info().Bool("authenticated", authenticated).Str("room", c.cfg.Room).Msg("Chat initialized.")

	if authenticated && !c.cfg.ReadWhileSignedOut {
		c.openFeed(ctx)
	}

	c.notify()
	return nil
}

// onAuthEvent follows Session Store transitions.
func (c *Controller) onAuthEvent(ev session.Event) {
	c.mu.Lock()
	if c.closed || c.state == StateBackendUnavailable {
		c.mu.Unlock()
		return
	}

	wasAuthenticated := c.state == StateAuthenticated
	if ev.Identity != nil {
		c.state = StateAuthenticated
		c.confirmation = nil
	} else {
		c.state = StateUnauthenticated
	}
	c.mu.Unlock()

	c.logger.Debug().Str("event", string(ev.Type)).Msg("Session changed.")

	switch {
	case ev.Identity != nil && !wasAuthenticated && !c.cfg.ReadWhileSignedOut:
		c.openFeed(c.ctx)
	case ev.Identity == nil && wasAuthenticated && !c.cfg.ReadWhileSignedOut:
		c.closeFeed()
	}

	c.notify()
}

// openFeed subscribes to the room. Failures degrade to manual refresh.
func (c *Controller) openFeed(ctx context.Context) {
	rctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.feed.Subscribe(rctx, c.onFeedEvent)
	switch {
	case err == nil, errors.Is(err, feed.ErrAlreadySubscribed), errors.Is(err, feed.ErrClosed):
		return
	}

	c.logger.Warn().Err(err).Msg("Realtime feed unavailable. Showing the last history.")

	c.mu.Lock()
	c.setStatusLocked(realtimeDegraded())
	c.mu.Unlock()
	c.notify()
}

// closeFeed unsubscribes and forgets the room contents.
func (c *Controller) closeFeed() {
	c.feed.Unsubscribe()

	c.mu.Lock()
	c.generation++
	c.syncing = false
	c.buffer = nil
	c.synced = false
	c.messages.Reset()
	c.mu.Unlock()
}

// onFeedEvent runs on the feed goroutine.
func (c *Controller) onFeedEvent(ev feed.Event) {
	switch ev.Kind {
	case feed.KindReady:
		c.mu.Lock()
		c.generation++
		gen := c.generation
		c.syncing = true
		c.mu.Unlock()

		c.wg.Add(1)
		go c.syncHistory(ev.Cursor, gen)

	case feed.KindInsert:
		c.mu.Lock()
		c.absorbLocked(ev.Message)
		c.mu.Unlock()
		c.notify()

	case feed.KindDegraded:
		c.logger.Warn().Err(ev.Err).Msg("Realtime feed degraded.")

		c.mu.Lock()
		c.setStatusLocked(realtimeDegraded())
		c.mu.Unlock()
		c.notify()
	}
}

// absorbLocked appends m, or buffers it while a history sync is running. Callers hold mu.
func (c *Controller) absorbLocked(m message.Message) {
	if c.syncing {
		c.buffer = append(c.buffer, m)
		return
	}
	c.messages.Append(m)
}

// syncHistory loads history up to cursor, then flushes the live buffer. The first sync of a feed
// session replaces the sequence; later ones merge a range starting a lookback before the newest
// known id. Rows are applied only if no newer ready event or closeFeed happened during the fetch.
func (c *Controller) syncHistory(cursor string, gen uint64) {
	defer c.wg.Done()

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	stale := gen != c.generation
	synced := c.synced
	c.mu.Unlock()
	if stale {
		return
	}

	after := ""
	if synced {
		after = randx.LookbackCursor(c.messages.NewestID(), c.lookback)
	}

	ctx, cancel := c.withTimeout(c.ctx)
	msgs, err := c.messages.Fetch(ctx, after, cursor)
	cancel()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug().Str("cursor", cursor).Msg("History sync superseded; rows discarded.")
		return
	}

	switch {
	case err != nil:
		c.logger.Error().Err(err).Str("kind", string(backend.KindOf(err))).Msg("History sync failed.")
	case !synced:
		c.messages.Replace(msgs)
		c.synced = true
	default:
		c.messages.Merge(msgs)
		c.synced = true
	}

	buffered := c.buffer
	c.buffer = nil
	c.syncing = false
	for _, m := range buffered {
		c.messages.Append(m)
	}
	c.mu.Unlock()

	c.notify()
}

// beginAuth enters Authenticating with a loading status.
func (c *Controller) beginAuth(st *Status) error {
	c.mu.Lock()

	var err error
	switch {
	case c.closed:
		err = ErrClosed
	case c.client == nil:
		err = ErrBackendUnavailable
	case c.processing:
		err = ErrBusy
	case c.state == StateAuthenticated:
		err = ErrAlreadySignedIn
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}

	c.processing = true
	c.state = StateAuthenticating
	c.confirmation = nil
	c.authorizeURL = ""
	c.setStatusLocked(st)
	c.mu.Unlock()

	c.notify()
	return nil
}

// endAuth leaves Authenticating. The session notification, not the call result, moves the
// controller to Authenticated.
func (c *Controller) endAuth(st *Status, conf *Confirmation) {
	c.mu.Lock()
	c.processing = false
	if c.state == StateAuthenticating {
		c.state = StateUnauthenticated
	}
	c.confirmation = conf
	c.setStatusLocked(st)
	c.mu.Unlock()

	c.notify()
}

// warn shows a validation status without touching the state.
func (c *Controller) warn(st *Status) {
	c.mu.Lock()
	c.setStatusLocked(st)
	c.mu.Unlock()
	c.notify()
}

// LoginWithMagicLink emails a one-time login link.
func (c *Controller) LoginWithMagicLink(ctx context.Context, email string) error {
	email = user.NormalizeEmail(email)
	if err := user.ValidateEmail(email); err != nil {
		c.warn(incomplete(err.Error()))
		return err
	}

	if err := c.beginAuth(loading("Mengirim Magic Link...", "Sedang mengirim link login ke "+email)); err != nil {
		return err
	}

	rctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.SignInWithOTP(rctx, email); err != nil {
		c.logger.Warn().Err(err).Msg("Magic link request failed.")
		c.endAuth(failure(err, "Gagal Mengirim Magic Link", "Periksa email Anda dan coba lagi.",
			"Pastikan email yang dimasukkan benar",
			"Periksa koneksi internet Anda",
			"Coba gunakan metode login lain",
		), nil)
		return err
	}

	c.endAuth(nil, &Confirmation{Type: ConfirmMagicLink, Email: email})
	return nil
}

// LoginWithPassword signs in with email and password.
func (c *Controller) LoginWithPassword(ctx context.Context, email, password string) error {
	email = user.NormalizeEmail(email)
	if email == "" || password == "" {
		return ErrMissingCredentials
	}

	if err := c.beginAuth(loading("Masuk ke Akun...", "Sedang memverifikasi kredensial login Anda.")); err != nil {
		return err
	}

	rctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.client.SignInWithPassword(rctx, email, password); err != nil {
		c.logger.Warn().Err(err).Msg("Password login failed.")
		c.endAuth(failure(err, "Login Gagal", serverText(err, "Email atau password salah."),
			"Periksa kembali email dan password Anda",
			"Pastikan akun sudah diverifikasi",
			"Gunakan fitur reset password jika lupa",
		), nil)
		return err
	}

	c.endAuth(success("Login Berhasil!", "Selamat datang kembali!"), nil)
	return nil
}

// SignUp registers a new account with displayName as its profile name.
func (c *Controller) SignUp(ctx context.Context, email, password, displayName string) error {
	email = user.NormalizeEmail(email)
	if email == "" || password == "" {
		return ErrMissingCredentials
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		c.warn(incomplete("Nama lengkap diperlukan untuk registrasi."))
		return ErrDisplayNameRequired
	}
	for _, err := range []error{
		user.ValidateEmail(email),
		user.ValidatePassword(password),
		user.ValidateDisplayName(displayName),
	} {
		if err != nil {
			c.warn(incomplete(err.Error()))
			return err
		}
	}

	if err := c.beginAuth(loading("Membuat Akun...", "Sedang memproses registrasi akun baru Anda.")); err != nil {
		return err
	}

	rctx, cancel := c.withTimeout(ctx)
	defer cancel()

	profile := user.Metadata{FullName: displayName, DisplayName: displayName}
	sess, err := c.client.SignUp(rctx, email, password, profile)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Sign-up failed.")
		c.endAuth(failure(err, "Gagal Membuat Akun", serverText(err, "Gagal membuat akun."),
			"Pastikan email belum terdaftar sebelumnya",
			"Password minimal 6 karakter",
			"Periksa koneksi internet Anda",
		), nil)
		return err
	}

	if sess == nil {
		c.endAuth(nil, &Confirmation{Type: ConfirmSignUp, Email: email})
		return nil
	}

	c.endAuth(success("Registrasi Berhasil!", "Akun Anda sudah aktif."), nil)
	return nil
}

// LoginWithProvider starts an OAuth login. On success the authorization URL is exposed in the
// snapshot. A misconfigured provider offers the demo chat and switches to the magic link tab.
func (c *Controller) LoginWithProvider(ctx context.Context, provider backend.Provider) error {
	if err := c.beginAuth(loading("Menghubungkan dengan Google...", "Mohon tunggu, sedang memproses login dengan Google OAuth.")); err != nil {
		return err
	}

	rctx, cancel := c.withTimeout(ctx)
	defer cancel()

	url, err := c.client.SignInWithOAuth(rctx, provider)
	if err != nil {
		c.logger.Warn().Err(err).Str("provider", string(provider)).Msg("OAuth login failed.")

		if backend.IsKind(err, backend.KindProviderUnavailable) {
			c.mu.Lock()
			c.loginMode = ModeMagic
			c.mu.Unlock()

			c.endAuth(providerUnavailable(), nil)
			return err
		}

		c.endAuth(failure(err, "Error Google OAuth", serverText(err, "Terjadi kesalahan saat login dengan Google.")), nil)
		return err
	}

	c.mu.Lock()
	c.authorizeURL = url
	c.mu.Unlock()

	c.endAuth(success("Login Berhasil!", "Lanjutkan login Google di browser Anda."), nil)
	return nil
}

// Logout signs out. On failure the controller stays Authenticated.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.client == nil {
		c.mu.Unlock()
		return ErrBackendUnavailable
	}
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	rctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.SignOut(rctx); err != nil {
		c.logger.Warn().Err(err).Msg("Logout failed.")
		c.warn(failure(err, "Gagal Keluar", serverText(err, "Tidak dapat keluar dari akun. Coba lagi.")))
		return err
	}

	return nil
}

// Send posts text as the signed-in user. The acknowledged message is appended at once; the
// realtime echo of the same id is ignored. On failure the draft keeps text.
func (c *Controller) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.client == nil {
		c.mu.Unlock()
		return ErrBackendUnavailable
	}
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return message.ErrNotAuthenticated
	}
	c.draft = text
	c.mu.Unlock()

	rctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sent, err := c.messages.Send(rctx, text, c.sessions.Current())
	if errors.Is(err, message.ErrEmptyMessage) {
		return err
	}
	if err != nil {
		c.warn(failure(err, "Gagal Mengirim Pesan", serverText(err, "Pesan tidak terkirim. Coba lagi.")))
		return err
	}

	c.mu.Lock()
	c.absorbLocked(sent)
	c.draft = ""
	c.mu.Unlock()

	c.notify()
	return nil
}

// Refresh reloads the newest history and reopens a degraded feed. Fetched rows are merged, so
// messages that arrive while the fetch runs stay visible.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.client == nil {
		c.mu.Unlock()
		return ErrBackendUnavailable
	}
	canRead := c.state == StateAuthenticated || c.cfg.ReadWhileSignedOut
	gen := c.generation
	c.mu.Unlock()

	if !canRead {
		return message.ErrNotAuthenticated
	}

	rctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.syncMu.Lock()
	msgs, err := c.messages.Fetch(rctx, "", "")
	c.syncMu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("History refresh failed.")
		c.warn(failure(err, "Gagal Memuat Pesan", "Riwayat pesan tidak dapat dimuat."))
		return fmt.Errorf("load history: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		// the feed was closed or resynced meanwhile
		c.mu.Unlock()
		c.notify()
		return nil
	}
	added := c.messages.Merge(msgs)
	c.synced = true
	c.mu.Unlock()

	c.logger.Debug().Int("fetched", len(msgs)).Int("added", added).Msg("History refreshed.")

	if st := c.feed.State(); st == feed.StateDegraded || st == feed.StateIdle {
		c.openFeed(ctx)
	}

	c.notify()
	return nil
}

// UseFallback switches the view to the local demo chat.
func (c *Controller) UseFallback() {
	c.mu.Lock()
	c.showFallback = true
	c.setStatusLocked(nil)
	c.mu.Unlock()

	c.notify()
}

// SetGuestName sets the demo chat name.
func (c *Controller) SetGuestName(name string) error {
	if err := c.demo.SetGuestName(name); err != nil {
		return err
	}
	c.notify()
	return nil
}

// SendDemo posts text to the local demo chat.
func (c *Controller) SendDemo(text string) (fallback.Message, error) {
	m, err := c.demo.Send(text)
	if err != nil {
		return m, err
	}
	c.notify()
	return m, nil
}

// DismissStatus clears the status.
func (c *Controller) DismissStatus() {
	c.mu.Lock()
	c.setStatusLocked(nil)
	c.mu.Unlock()

	c.notify()
}

// TriggerAction runs the action of the current status and returns it.
func (c *Controller) TriggerAction() Action {
	c.mu.Lock()
	action := ActionNone
	if c.status != nil {
		action = c.status.Action
	}
	c.mu.Unlock()

	switch action {
	case ActionDismiss:
		c.DismissStatus()
	case ActionUseFallback:
		c.UseFallback()
	}

	return action
}

// SetDraft stores the composer text.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()

	c.notify()
}

// SelectLoginMode switches the login tab.
func (c *Controller) SelectLoginMode(mode LoginMode) error {
	for _, m := range loginModes {
		if m == mode {
			c.mu.Lock()
			c.loginMode = mode
			c.mu.Unlock()

			c.notify()
			return nil
		}
	}
	return ErrUnknownLoginMode
}

// LoginModes lists the login tabs in display order.
func (c *Controller) LoginModes() []LoginMode {
	return append([]LoginMode(nil), loginModes...)
}

// setStatusLocked replaces the status and arms the auto-close timer. Callers hold mu.
func (c *Controller) setStatusLocked(st *Status) {
	if c.statusTimer != nil {
		c.statusTimer.Stop()
		c.statusTimer = nil
	}

	c.status = st
	if st == nil || !st.AutoClose || c.closed {
		return
	}

	c.statusTimer = time.AfterFunc(c.autoCloseDelay, func() {
		c.mu.Lock()
		if c.status != st {
			c.mu.Unlock()
			return
		}
		c.status = nil
		c.statusTimer = nil
		c.mu.Unlock()

		c.notify()
	})
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         c.state,
		Syncing:       c.syncing,
		HistoryLoaded: c.synced,
		CanCompose:    c.state == StateAuthenticated,
		Draft:         c.draft,
		Processing:    c.processing,
		LoginMode:     c.loginMode,
		AuthorizeURL:  c.authorizeURL,
		ShowFallback:  c.showFallback,
		GuestName:     c.demo.GuestName(),
		Fallback:      c.demo.Messages(),
		FeedState:     feed.StateIdle,
	}

	if c.status != nil {
		st := *c.status
		st.Details = append([]string(nil), c.status.Details...)
		snap.Status = &st
	}
	if c.confirmation != nil {
		conf := *c.confirmation
		snap.Confirmation = &conf
	}

	if c.client != nil {
		snap.Identity = c.sessions.Current()
		snap.Messages = c.messages.Messages()
		snap.FeedState = c.feed.State()
	}

	snap.DisplayName = user.DisplayName(snap.Identity)
	snap.AvatarURL = user.AvatarURL(snap.Identity)
	snap.Initials = user.Initials(snap.DisplayName)
	snap.AvatarColor = user.AvatarColor(snap.DisplayName)

	return snap
}

// OnUpdate registers fn to receive a snapshot after every change. fn runs on the goroutine that
// caused the change and must not block. The returned function unregisters fn.
func (c *Controller) OnUpdate(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListen
	c.nextListen++
	c.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	if c.closed || len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Close stops the session listener and the feed and waits for background work. It is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.statusTimer != nil {
		c.statusTimer.Stop()
		c.statusTimer = nil
	}
	c.listeners = make(map[uint64]func(Snapshot))
	stopSession := c.stopSession
	c.stopSession = nil
	c.mu.Unlock()

	if stopSession != nil {
		stopSession()
	}
	if c.sessions != nil {
		c.sessions.Close()
	}
	if c.feed != nil {
		c.feed.Close()
	}

	c.cancel()
	c.wg.Wait()

	c.logger.Debug().Msg("Chat controller closed.")
}
