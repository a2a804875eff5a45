package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"astral-proxy/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig       `yaml:"logger"`
	Tracer    TracerConfig       `yaml:"tracer"`
	Link      LinkConfig         `yaml:"link"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Cache     CacheConfig        `yaml:"cache"`
	Tags      domain.TagSettings `yaml:"tags"`
	Hypixel   HypixelConfig      `yaml:"hypixel"`
	Urchin    UrchinConfig       `yaml:"urchin"`
	Control   ControlConfig      `yaml:"control"`
	Scheduler SchedulerConfig    `yaml:"scheduler"`
}

// LinkConfig holds backend socket settings.
type LinkConfig struct {
	URL               string        `yaml:"url"`
	Credential        string        `yaml:"credential"`
	PlayerID          string        `yaml:"player_id,omitempty"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	IdentityTimeout   time.Duration `yaml:"identity_timeout"`
	UserListTimeout   time.Duration `yaml:"user_list_timeout"`
	Channel           ChannelConfig `yaml:"channel"`
}

// ChannelConfig selects the chat channel joined after every connect.
type ChannelConfig struct {
	Join     bool   `yaml:"join"`
	Name     string `yaml:"name"`
	Password string `yaml:"password,omitempty"`
}

// RateLimitConfig holds the backend request budget settings. The fallback
// applies until the REST endpoint reports the real budget.
type RateLimitConfig struct {
	RESTBaseURL    string        `yaml:"rest_base_url"`
	FallbackMax    int           `yaml:"fallback_max"`
	FallbackWindow time.Duration `yaml:"fallback_window"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// CacheConfig holds player-data cache settings.
type CacheConfig struct {
	TagsTTL    time.Duration `yaml:"tags_ttl"`
	PingTTL    time.Duration `yaml:"ping_ttl"`
	StatsTTL   time.Duration `yaml:"stats_ttl"`
	KeyTTL     time.Duration `yaml:"key_ttl"`
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
}

// HypixelConfig holds the stats fallback settings. An empty key disables it.
type HypixelConfig struct {
	Key            string               `yaml:"key"`
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// UrchinConfig holds the secondary tag source settings.
type UrchinConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	Key               string        `yaml:"key,omitempty"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

// ControlConfig holds the local websocket control surface settings.
type ControlConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	Tokens  []TokenConfig `yaml:"tokens,omitempty"`

	// Per remote IP. Zero disables the limit.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// TokenConfig holds a single control auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// SchedulerConfig holds periodic task settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Link: LinkConfig{
			URL:               "wss://astral.winstreak.ws/socket",
			RequestTimeout:    10 * time.Second,
			ReconnectDelay:    5 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			IdentityTimeout:   5 * time.Second,
			UserListTimeout:   3 * time.Second,
			Channel:           ChannelConfig{Name: "global"},
		},
		RateLimit: RateLimitConfig{
			RESTBaseURL:    "https://api.winstreak.ws",
			FallbackMax:    60,
			FallbackWindow: 60 * time.Second,
			FetchTimeout:   10 * time.Second,
		},
		Cache: CacheConfig{
			TagsTTL:    30 * time.Minute,
			PingTTL:    5 * time.Minute,
			StatsTTL:   10 * time.Minute,
			KeyTTL:     10 * time.Minute,
			BatchSize:  60,
			BatchDelay: 2 * time.Second,
		},
		Tags: domain.DefaultTagSettings(),
		Hypixel: HypixelConfig{
			BaseURL: "https://api.hypixel.net",
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Urchin: UrchinConfig{
			Enabled:           false,
			BaseURL:           "https://urchin.ws",
			RequestsPerSecond: 2,
			Burst:             4,
			Timeout:           5 * time.Second,
		},
		Control: ControlConfig{
			Enabled:           false,
			Addr:              "127.0.0.1:7788",
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "cache-sweep", Schedule: "1m", Action: "cache_sweep"},
				{Name: "credential-check", Schedule: "30s", Action: "credential_check"},
			},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("ASTRAL_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps ASTRAL_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASTRAL_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ASTRAL_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ASTRAL_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ASTRAL_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("ASTRAL_LINK_URL"); v != "" {
		cfg.Link.URL = v
	}
	if v := os.Getenv("ASTRAL_LINK_CREDENTIAL"); v != "" {
		cfg.Link.Credential = v
	}
	if v := os.Getenv("ASTRAL_LINK_PLAYER_ID"); v != "" {
		cfg.Link.PlayerID = v
	}
	if d, ok := envDuration("ASTRAL_LINK_REQUEST_TIMEOUT"); ok {
		cfg.Link.RequestTimeout = d
	}
	if d, ok := envDuration("ASTRAL_LINK_RECONNECT_DELAY"); ok {
		cfg.Link.ReconnectDelay = d
	}
	if v := os.Getenv("ASTRAL_LINK_CHANNEL_JOIN"); v == "true" {
		cfg.Link.Channel.Join = true
	} else if v == "false" {
		cfg.Link.Channel.Join = false
	}
	if v := os.Getenv("ASTRAL_LINK_CHANNEL_NAME"); v != "" {
		cfg.Link.Channel.Name = v
	}

	if v := os.Getenv("ASTRAL_RATE_LIMIT_REST_BASE_URL"); v != "" {
		cfg.RateLimit.RESTBaseURL = v
	}
	if v := os.Getenv("ASTRAL_RATE_LIMIT_FALLBACK_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.FallbackMax = n
		}
	}

	if d, ok := envDuration("ASTRAL_CACHE_TAGS_TTL"); ok {
		cfg.Cache.TagsTTL = d
	}
	if v := os.Getenv("ASTRAL_CACHE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.BatchSize = n
		}
	}
	if d, ok := envDuration("ASTRAL_CACHE_BATCH_DELAY"); ok {
		cfg.Cache.BatchDelay = d
	}

	if v := os.Getenv("ASTRAL_HYPIXEL_KEY"); v != "" {
		cfg.Hypixel.Key = v
	}
	if v := os.Getenv("ASTRAL_HYPIXEL_BASE_URL"); v != "" {
		cfg.Hypixel.BaseURL = v
	}

	if v := os.Getenv("ASTRAL_URCHIN_ENABLED"); v == "true" {
		cfg.Urchin.Enabled = true
	} else if v == "false" {
		cfg.Urchin.Enabled = false
	}
	if v := os.Getenv("ASTRAL_URCHIN_BASE_URL"); v != "" {
		cfg.Urchin.BaseURL = v
	}
	if v := os.Getenv("ASTRAL_URCHIN_KEY"); v != "" {
		cfg.Urchin.Key = v
	}
	if v := os.Getenv("ASTRAL_URCHIN_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Urchin.RequestsPerSecond = f
		}
	}

	if v := os.Getenv("ASTRAL_CONTROL_ENABLED"); v == "true" {
		cfg.Control.Enabled = true
	}
	if v := os.Getenv("ASTRAL_CONTROL_ADDR"); v != "" {
		cfg.Control.Addr = v
	}
	if v := os.Getenv("ASTRAL_CONTROL_TOKENS"); v != "" {
		for i, tok := range splitAndTrim(v, ",") {
			if tok == "" {
				continue
			}
			cfg.Control.Tokens = append(cfg.Control.Tokens, TokenConfig{Token: tok, Name: fmt.Sprintf("env-%d", i)})
		}
	}

	// Individual tag categories: ASTRAL_TAGS_<CATEGORY>=true|false
	for _, category := range []string{
		domain.CategoryBlacklist, domain.CategoryUnverified, domain.CategoryGaps,
		domain.CategoryNacc, domain.CategoryPing, domain.CategoryRadar,
		domain.CategoryRnc, domain.CategoryStatacc, domain.CategoryUrchin,
	} {
		switch os.Getenv("ASTRAL_TAGS_" + strings.ToUpper(category)) {
		case "true":
			cfg.Tags.Set(category, true)
		case "false":
			cfg.Tags.Set(category, false)
		}
	}
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in credentials and keys and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		value *string
	}{
		{"link.credential", &cfg.Link.Credential},
		{"link.channel.password", &cfg.Link.Channel.Password},
		{"hypixel.key", &cfg.Hypixel.Key},
		{"urchin.key", &cfg.Urchin.Key},
	}
	for i := range cfg.Control.Tokens {
		secrets = append(secrets, struct {
			name  string
			value *string
		}{fmt.Sprintf("control.tokens[%d]", i), &cfg.Control.Tokens[i].Token})
	}

	for _, s := range secrets {
		if !strings.HasPrefix(*s.value, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.value, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.value = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) ":" hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
