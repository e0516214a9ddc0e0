package configs

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// DefaultRoom is the room used when FOLIOCHAT_ROOM is not set.
const DefaultRoom = "lobby"

// ErrConfigurationMissing is returned by ClientConfig.Validate when the backend cannot be used.
var ErrConfigurationMissing = errors.New("backend configuration missing")

// placeholderPattern matches template values such as "your_project_url_here".
var placeholderPattern = regexp.MustCompile(`^your_[a-z0-9_]*_here$`)

// ClientConfig holds the settings of the chat client. Only URL and AnonKey gate the
// real backend; every other field has a default.
type ClientConfig struct {
	Environment string
	LogLevel    string

	// URL is the backend service base URL.
	URL string

	// AnonKey is the public key sent with every request.
	AnonKey string

	// Room scopes history and realtime to one chat room.
	Room string

	// RequestTimeout bounds every backend call.
	RequestTimeout time.Duration

	// HistoryLimit caps the initial history load.
	HistoryLimit int

	// ReadWhileSignedOut loads history and opens the realtime feed before login.
	ReadWhileSignedOut bool

	// SessionFile persists the access token between runs. Empty keeps it in memory.
	SessionFile string
}

// LoadClientConfig reads the client configuration from environment variables.
func LoadClientConfig() (*ClientConfig, error) {
	cfg := &ClientConfig{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		URL:         strings.TrimSpace(os.Getenv("FOLIOCHAT_URL")),
		AnonKey:     strings.TrimSpace(os.Getenv("FOLIOCHAT_ANON_KEY")),
		Room:        getEnv("FOLIOCHAT_ROOM", DefaultRoom),
		SessionFile: os.Getenv("FOLIOCHAT_SESSION_FILE"),
	}

	var err error
	if cfg.RequestTimeout, err = getEnvDuration("FOLIOCHAT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit, err = getEnvInt("FOLIOCHAT_HISTORY_LIMIT", 100); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit < 1 {
		return nil, fmt.Errorf("FOLIOCHAT_HISTORY_LIMIT must be positive, got %d", cfg.HistoryLimit)
	}
	if cfg.ReadWhileSignedOut, err = getEnvBool("FOLIOCHAT_READ_SIGNED_OUT", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that URL and AnonKey are present, not template placeholders, and that the URL
// looks like an HTTP(S) URL. It does not probe connectivity.
func (c *ClientConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: no configuration", ErrConfigurationMissing)
	}

	url := strings.TrimSpace(c.URL)
	key := strings.TrimSpace(c.AnonKey)

	switch {
	case url == "":
		return fmt.Errorf("%w: service URL is empty", ErrConfigurationMissing)
	case key == "":
		return fmt.Errorf("%w: anon key is empty", ErrConfigurationMissing)
	case placeholderPattern.MatchString(url):
		return fmt.Errorf("%w: service URL is a placeholder", ErrConfigurationMissing)
	case placeholderPattern.MatchString(key):
		return fmt.Errorf("%w: anon key is a placeholder", ErrConfigurationMissing)
	case !strings.HasPrefix(url, "http"):
		return fmt.Errorf("%w: service URL must start with http", ErrConfigurationMissing)
	}

	return nil
}

// Configured reports whether the real backend path can be used.
func (c *ClientConfig) Configured() bool {
	return c.Validate() == nil
}
