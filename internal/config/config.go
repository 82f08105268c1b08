package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	mongoadapter "github.com/alexlevy0/mycompanion/adapters/mongo"
	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/internal/duplex"
)

// Config holds every setting of the companion binary
type Config struct {
	BaseURL     string
	WorkspaceID string
	// APIToken takes precedence over AuthToken when both are set
	APIToken  string
	AuthToken string
	AgentID   string
	Mode      entities.SessionMode

	HeartbeatInterval   time.Duration
	SegmentInterval     time.Duration
	SettleDelay         time.Duration
	HandshakeTimeout    time.Duration
	CaptureRetryBackoff time.Duration
	CaptureMaxRetries   uint64

	SegmentDir string
	SampleRate int
	FFplayPath string

	MongoURI      string
	MongoDatabase string

	JWTSecret string
	Port      string
}

// Default returns the configuration used when no variable is set
func Default() Config {
	d := duplex.DefaultConfig()
	m := mongoadapter.DefaultConfig()
	return Config{
		Mode:                entities.SessionModeVocal,
		HeartbeatInterval:   d.HeartbeatInterval,
		SegmentInterval:     d.SegmentInterval,
		SettleDelay:         d.SettleDelay,
		CaptureRetryBackoff: d.CaptureRetry.Backoff,
		SegmentDir:          os.TempDir(),
		SampleRate:          16000,
		FFplayPath:          "ffplay",
		MongoDatabase:       m.Database,
		Port:                "8080",
	}
}

// Load reads the given .env files (".env" when none is given) and then the environment.
// Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return NewConfigFromEnv()
}

// NewConfigFromEnv creates the configuration from environment variables
func NewConfigFromEnv() (Config, error) {
	cfg := Default()

	setString(&cfg.BaseURL, "DUPLEX_BASE_URL")
	setString(&cfg.WorkspaceID, "WORKSPACE_ID")
	setString(&cfg.APIToken, "API_TOKEN")
	setString(&cfg.AuthToken, "AUTH_TOKEN")
	setString(&cfg.AgentID, "AGENT_ID")
	if mode := os.Getenv("SESSION_MODE"); mode != "" {
		cfg.Mode = entities.SessionMode(mode)
	}
	setString(&cfg.SegmentDir, "SEGMENT_DIR")
	setString(&cfg.FFplayPath, "FFPLAY_PATH")
	setString(&cfg.MongoURI, "MONGODB_URI")
	setString(&cfg.MongoDatabase, "MONGODB_DATABASE")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.Port, "PORT")

	var errs []error
	errs = append(errs,
		setDuration(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL"),
		setDuration(&cfg.SegmentInterval, "SEGMENT_INTERVAL"),
		setDuration(&cfg.SettleDelay, "SETTLE_DELAY"),
		setDuration(&cfg.HandshakeTimeout, "HANDSHAKE_TIMEOUT"),
		setDuration(&cfg.CaptureRetryBackoff, "CAPTURE_RETRY_BACKOFF"),
	)
	if v := os.Getenv("CAPTURE_MAX_RETRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CAPTURE_MAX_RETRIES: %w", err))
		} else {
			cfg.CaptureMaxRetries = n
		}
	}
	if v := os.Getenv("SAMPLE_RATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("SAMPLE_RATE: invalid value %q", v))
		} else {
			cfg.SampleRate = n
		}
	}

	return cfg, errors.Join(errs...)
}

// Validate checks the settings needed to place a call
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("DUPLEX_BASE_URL is required")
	}
	if c.WorkspaceID == "" {
		return errors.New("WORKSPACE_ID is required")
	}
	if c.APIToken == "" && c.AuthToken == "" && c.JWTSecret == "" {
		return errors.New("one of API_TOKEN, AUTH_TOKEN or JWT_SECRET is required")
	}
	if err := c.Mode.Validate(); err != nil {
		return err
	}
	if c.SegmentInterval <= 0 {
		return errors.New("SEGMENT_INTERVAL must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	return nil
}

// DuplexConfig returns the session manager settings
func (c Config) DuplexConfig() duplex.Config {
	d := duplex.DefaultConfig()
	d.BaseURL = c.BaseURL
	d.WorkspaceID = c.WorkspaceID
	d.HeartbeatInterval = c.HeartbeatInterval
	d.SegmentInterval = c.SegmentInterval
	d.SettleDelay = c.SettleDelay
	d.HandshakeTimeout = c.HandshakeTimeout
	d.CaptureRetry = duplex.RetryPolicy{
		Backoff:    c.CaptureRetryBackoff,
		MaxRetries: c.CaptureMaxRetries,
	}
	return d
}

// MongoConfig returns the MongoDB settings, ok is false when MongoDB is not configured
func (c Config) MongoConfig() (mongoadapter.Config, bool) {
	if c.MongoURI == "" {
		return mongoadapter.Config{}, false
	}
	return mongoadapter.Config{URI: c.MongoURI, Database: c.MongoDatabase}, true
}

// SessionOptions returns the start options for a call with the configured agent and mode
func (c Config) SessionOptions() entities.SessionOptions {
	opts := entities.SessionOptions{Mode: c.Mode}
	if c.AgentID != "" {
		opts.AgentID = entities.String(c.AgentID)
	}
	return opts.WithDefaults()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDuration accepts Go durations ("500ms") or plain milliseconds
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
