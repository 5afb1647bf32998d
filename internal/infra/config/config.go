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

	"agentsync/internal/domain"
)

// encPrefix marks a value encrypted with EncryptValue.
const encPrefix = "enc:"

// Config is the root configuration of an agentsync client.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Client    ClientConfig    `yaml:"client"`
	Upload    UploadConfig    `yaml:"upload"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// ServerConfig locates the sync server.
type ServerConfig struct {
	BaseURL string        `yaml:"base_url"`
	WSPath  string        `yaml:"ws_path"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig holds the bearer token. A token prefixed with "enc:" is
// decrypted with AGENTSYNC_CONFIG_KEY at load time.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// ClientConfig describes the running client.
type ClientConfig struct {
	Platform string `yaml:"platform"`
}

// UploadConfig holds image upload settings.
type UploadConfig struct {
	SupportedPlatforms []string             `yaml:"supported_platforms"`
	MaxResponseBytes   int64                `yaml:"max_response_bytes"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the upload endpoint.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// TransportConfig throttles outbound WebSocket requests.
type TransportConfig struct {
	SendRate       float64       `yaml:"send_rate"`
	SendBurst      int           `yaml:"send_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StoreConfig locates the local history database.
type StoreConfig struct {
	Path string `yaml:"path"`
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

// defaultDataDir returns $HOME/.agentsync, or "./.agentsync" without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.agentsync"
	}
	return filepath.Join(home, ".agentsync")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:3005",
			WSPath:  "/v1/updates",
			Timeout: 30 * time.Second,
		},
		Client: ClientConfig{
			Platform: "cli",
		},
		Upload: UploadConfig{
			SupportedPlatforms: []string{"web", "cli"},
			MaxResponseBytes:   1 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Transport: TransportConfig{
			SendRate:       10,
			SendBurst:      5,
			RequestTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(defaultDataDir(), "history.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := decryptSecrets(cfg, os.Getenv("AGENTSYNC_CONFIG_KEY")); err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTSYNC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTSYNC_SERVER_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("AGENTSYNC_AUTH_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("AGENTSYNC_CLIENT_PLATFORM"); v != "" {
		cfg.Client.Platform = v
	}
	if v := os.Getenv("AGENTSYNC_UPLOAD_PLATFORMS"); v != "" {
		cfg.Upload.SupportedPlatforms = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AGENTSYNC_TRANSPORT_SEND_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Transport.SendRate = r
		}
	}
	if v := os.Getenv("AGENTSYNC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTSYNC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTSYNC_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTSYNC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTSYNC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values with their plaintext. An encrypted
// value without a passphrase is an error.
func decryptSecrets(cfg *Config, passphrase string) error {
	if !strings.HasPrefix(cfg.Auth.Token, encPrefix) {
		return nil
	}
	if passphrase == "" {
		return fmt.Errorf("auth.token: %w: AGENTSYNC_CONFIG_KEY is not set", domain.ErrDecryption)
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Auth.Token, encPrefix), passphrase)
	if err != nil {
		return fmt.Errorf("auth.token: %w: %w", domain.ErrDecryption, err)
	}
	cfg.Auth.Token = decrypted
	return nil
}

// EncryptSecret returns plaintext encrypted and prefixed for a config file.
func EncryptSecret(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	v, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		return "", err
	}
	return encPrefix + v, nil
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
	// hex(salt):hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
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

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
