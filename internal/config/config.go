package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/formsync/internal/util"
)

type Config struct {
	Server  Server  `json:"server"`
	Room    Room    `json:"room"`
	Storage Storage `json:"storage"`
	Sync    Sync    `json:"sync"`
	Blob    Blob    `json:"blob"`
	Auth    Auth    `json:"auth"`
	Call    Call    `json:"call"`
	Client  Client  `json:"client"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`

	// Origins accepted on the websocket upgrade and by CORS. "*" allows any.
	AllowedOrigins []string `json:"allowed_origins"`

	// bcrypt hash guarding /api/logs (HTTP Basic Auth, user: "admin").
	// Empty means the log endpoints return 403.
	AdminPasswordHash string `json:"admin_password_hash"`

	ReadTimeoutSec     int `json:"read_timeout_seconds"`
	ShutdownTimeoutSec int `json:"shutdown_timeout_seconds"`
}

type Room struct {
	SweepIntervalMs int `json:"sweep_interval_ms"`
	IdleEvictSec    int `json:"idle_evict_seconds"`
	SaveQueue       int `json:"save_queue"`
}

type Storage struct {
	// sqlite://path, postgres://..., memory:// or a bare sqlite path
	// relative to the config directory.
	DSN                string `json:"dsn"`
	InactiveAfterHours int    `json:"inactive_after_hours"`
}

type Sync struct {
	Backend        string `json:"backend"` // file, redis or memory
	Dir            string `json:"dir"`
	RedisURL       string `json:"redis_url"`
	PollIntervalMs int    `json:"poll_interval_ms"`
	LivenessSec    int    `json:"liveness_seconds"`
}

type Blob struct {
	Backend        string `json:"backend"` // local or minio
	Dir            string `json:"dir"`
	PublicBase     string `json:"public_base"`
	MinioEndpoint  string `json:"minio_endpoint"`
	MinioAccessKey string `json:"minio_access_key"`
	MinioSecretKey string `json:"minio_secret_key"`
	MinioBucket    string `json:"minio_bucket"`
	MinioSecure    bool   `json:"minio_secure"`
}

type Auth struct {
	// HMAC secret for participant tokens. Generated on first Ensure.
	Secret      string `json:"secret"`
	TokenTTLHrs int    `json:"token_ttl_hours"`
}

type Call struct {
	STUNURLs       []string `json:"stun_urls"`
	RetryAttempts  int      `json:"retry_attempts"`
	RetryBackoffMs int      `json:"retry_backoff_ms"`
}

type Client struct {
	ReconnectAttempts int `json:"reconnect_attempts"`
	ReconnectDelayMs  int `json:"reconnect_delay_ms"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:           "127.0.0.1:8080",
			AllowedOrigins:     []string{"*"},
			ReadTimeoutSec:     15,
			ShutdownTimeoutSec: 10,
		},
		Room: Room{
			SweepIntervalMs: 5000,
			IdleEvictSec:    600,
			SaveQueue:       256,
		},
		Storage: Storage{
			DSN:                "data/sessions.db",
			InactiveAfterHours: 24,
		},
		Sync: Sync{
			Backend:        "file",
			Dir:            "data/sync",
			PollIntervalMs: 100,
			LivenessSec:    3,
		},
		Blob: Blob{
			Backend:     "local",
			Dir:         "data/blobs",
			PublicBase:  "/blobs",
			MinioBucket: "formsync",
		},
		Auth: Auth{
			TokenTTLHrs: 24,
		},
		Call: Call{
			STUNURLs:       []string{"stun:stun.l.google.com:19302"},
			RetryAttempts:  3,
			RetryBackoffMs: 2000,
		},
		Client: Client{
			ReconnectAttempts: 5,
			ReconnectDelayMs:  1000,
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Server.ReadTimeoutSec < 0 {
		return errors.New("server.read_timeout_seconds must be >= 0")
	}
	if c.Server.ShutdownTimeoutSec <= 0 {
		return errors.New("server.shutdown_timeout_seconds must be > 0")
	}

	// Room
	if c.Room.SweepIntervalMs < 100 {
		return errors.New("room.sweep_interval_ms must be >= 100")
	}
	if c.Room.IdleEvictSec <= 0 {
		return errors.New("room.idle_evict_seconds must be > 0")
	}
	if c.Room.SaveQueue <= 0 {
		return errors.New("room.save_queue must be > 0")
	}

	// Storage
	if c.Storage.InactiveAfterHours <= 0 {
		return errors.New("storage.inactive_after_hours must be > 0")
	}

	// Sync
	switch c.Sync.Backend {
	case "file":
		if strings.TrimSpace(c.Sync.Dir) == "" {
			return errors.New("sync.dir is required for the file backend")
		}
	case "redis":
		if err := validateURL(c.Sync.RedisURL, "redis", "rediss"); err != nil {
			return fmt.Errorf("sync.redis_url: %w", err)
		}
	case "memory":
	default:
		return fmt.Errorf("sync.backend must be file, redis or memory (got %q)", c.Sync.Backend)
	}
	if c.Sync.PollIntervalMs < 10 || c.Sync.PollIntervalMs > 10000 {
		return errors.New("sync.poll_interval_ms must be 10..10000")
	}
	if c.Sync.LivenessSec <= 0 {
		return errors.New("sync.liveness_seconds must be > 0")
	}
	if time.Duration(c.Sync.LivenessSec)*time.Second <= time.Duration(c.Sync.PollIntervalMs)*time.Millisecond {
		return errors.New("sync.liveness_seconds must exceed sync.poll_interval_ms")
	}

	// Blob
	switch c.Blob.Backend {
	case "local":
		if strings.TrimSpace(c.Blob.Dir) == "" {
			return errors.New("blob.dir is required for the local backend")
		}
	case "minio":
		if strings.TrimSpace(c.Blob.MinioEndpoint) == "" {
			return errors.New("blob.minio_endpoint is required for the minio backend")
		}
		if strings.TrimSpace(c.Blob.MinioBucket) == "" {
			return errors.New("blob.minio_bucket is required for the minio backend")
		}
	default:
		return fmt.Errorf("blob.backend must be local or minio (got %q)", c.Blob.Backend)
	}

	// Auth
	if len(c.Auth.Secret) < 16 {
		return errors.New("auth.secret must be at least 16 characters")
	}
	if c.Auth.TokenTTLHrs <= 0 {
		return errors.New("auth.token_ttl_hours must be > 0")
	}

	// Call
	for _, u := range c.Call.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("call.stun_urls: %q is not a stun: or turn: url", u)
		}
	}
	if c.Call.RetryAttempts < 0 || c.Call.RetryAttempts > 10 {
		return errors.New("call.retry_attempts must be 0..10")
	}
	if c.Call.RetryBackoffMs < 0 {
		return errors.New("call.retry_backoff_ms must be >= 0")
	}

	// Client
	if c.Client.ReconnectAttempts < 0 {
		return errors.New("client.reconnect_attempts must be >= 0")
	}
	if c.Client.ReconnectDelayMs < 0 {
		return errors.New("client.reconnect_delay_ms must be >= 0")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	ApplyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without environment overrides or
// validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with a freshly generated auth secret.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	secret, err := util.RandomHex(32)
	if err != nil {
		return Config{}, false, err
	}
	cfg.Auth.Secret = secret
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

// Durations.

func (r Room) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMs) * time.Millisecond
}

func (r Room) IdleEvict() time.Duration { return time.Duration(r.IdleEvictSec) * time.Second }

func (s Storage) InactiveAfter() time.Duration {
	return time.Duration(s.InactiveAfterHours) * time.Hour
}

func (s Sync) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s Sync) Liveness() time.Duration { return time.Duration(s.LivenessSec) * time.Second }

func (c Call) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c Client) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}
