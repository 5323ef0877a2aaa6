package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/joho/godotenv"
	"github.com/tansive/receipts/internal/common"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

// Environment variables that override the config file.
const (
	EnvSigningMode        = "PP_SIGNING_MODE"
	EnvSigningKeyID       = "PP_SIGNING_KEY_ID"
	EnvSigningPrivateKey  = "PP_SIGNING_PRIVATE_KEY"
	EnvReceiptTTLMs       = "PP_RECEIPT_TTL_MS"
	EnvKeyEncryptionPass  = "PP_KEY_ENCRYPTION_PASSWD"
	EnvAdminTokenSecret   = "PP_ADMIN_TOKEN_SECRET"
	EnvDBPassword         = "PP_DB_PASSWORD"
	DefaultReceiptTTLMs   = 3600000
	DefaultKeyCacheTTL    = "2s"
	MaxKeyCacheTTL        = 10 * time.Second
	DefaultVerifyTimeout  = "5s"
	DefaultRateLimit      = 100
	DefaultRateWindow     = "1m"
	DefaultMaxRequestBody = 64 * 1024
)

// SigningConfig holds receipt signing configuration
type SigningConfig struct {
	Mode                string `toml:"mode"`                  // required, optional or disabled
	KeyID               string `toml:"key_id"`                // Expected active key id, checked at startup
	PrivateKey          string `toml:"private_key"`           // Base64 Ed25519 seed or private key. Prefer PP_SIGNING_PRIVATE_KEY.
	ReceiptTTLMs        int64  `toml:"receipt_ttl_ms"`        // Receipt lifetime in milliseconds
	KeyEncryptionPasswd string `toml:"key_encryption_passwd"` // Passphrase sealing private keys stored in the database
	BootstrapIfEmpty    bool   `toml:"bootstrap_if_empty"`    // Register the configured key when the environment has none
}

// GetMode returns the parsed signing mode.
func (s *SigningConfig) GetMode() rcptcommon.SigningMode {
	m, _ := rcptcommon.ParseSigningMode(s.Mode)
	return m
}

// GetReceiptTTL returns the receipt lifetime.
func (s *SigningConfig) GetReceiptTTL() time.Duration {
	return time.Duration(s.ReceiptTTLMs) * time.Millisecond
}

// HasKeyMaterial reports whether a private key or a passphrase for sealed keys is configured.
func (s *SigningConfig) HasKeyMaterial() bool {
	return s.PrivateKey != "" || s.KeyEncryptionPasswd != ""
}

// GetPrivateKey decodes the configured private key. It returns nil without error when
// no key is configured.
func (s *SigningConfig) GetPrivateKey() (ed25519.PrivateKey, error) {
	return DecodePrivateKey(s.PrivateKey)
}

// KeysConfig holds key store configuration
type KeysConfig struct {
	CacheTTL string `toml:"cache_ttl"` // Bound on how long a key read may be served from memory
}

// GetCacheTTL returns the key cache staleness bound.
func (k *KeysConfig) GetCacheTTL() time.Duration {
	d, _ := ParseDuration(k.CacheTTL)
	return d
}

// VerifyConfig holds verification endpoint configuration
type VerifyConfig struct {
	Timeout           string `toml:"timeout"`             // Overall deadline of a verify call
	RateLimit         int    `toml:"rate_limit"`          // Requests per window per client
	RateWindow        string `toml:"rate_window"`         // Window length
	RateLimiter       string `toml:"rate_limiter"`        // memory, token_bucket or redis
	TrustForwardedFor bool   `toml:"trust_forwarded_for"` // Use X-Forwarded-For as the client identity
}

// GetTimeout returns the verify deadline.
func (v *VerifyConfig) GetTimeout() time.Duration {
	d, _ := ParseDuration(v.Timeout)
	return d
}

// GetRateWindow returns the rate-limit window.
func (v *VerifyConfig) GetRateWindow() time.Duration {
	d, _ := ParseDuration(v.RateWindow)
	return d
}

// RedisConfig holds the connection used by the redis rate limiter
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	AdminTokenSecret string `toml:"admin_token_secret"` // HMAC secret for admin tokens
	Issuer           string `toml:"issuer"`             // Expected token issuer
	MaxTokenAge      string `toml:"max_token_age"`      // Maximum age for tokens
	ClockSkew        string `toml:"clock_skew"`         // Allowed clock skew for time-based claims
}

// GetMaxTokenAge returns the maximum token age as time.Duration
func (a *AuthConfig) GetMaxTokenAge() time.Duration {
	d, _ := ParseDuration(a.MaxTokenAge)
	return d
}

// GetClockSkew returns the allowed clock skew as time.Duration
func (a *AuthConfig) GetClockSkew() time.Duration {
	d, _ := ParseDuration(a.ClockSkew)
	return d
}

// AuditLogConfig holds audit log-related configuration
type AuditLogConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DBConfig holds database configuration
type DBConfig struct {
	Driver   string `toml:"driver"`   // postgres or sqlite
	Host     string `toml:"host"`     // Database host
	Port     int    `toml:"port"`     // Database port
	DBName   string `toml:"dbname"`   // Database name
	User     string `toml:"user"`     // Database user
	Password string `toml:"password"` // Database password
	SSLMode  string `toml:"sslmode"`  // SSL mode for database connection
	Path     string `toml:"path"`     // SQLite database file
}

// ConfigParam holds all configuration parameters for the receipt service
type ConfigParam struct {
	FormatVersion string `toml:"format_version"` // Version of this configuration file format

	ServerHostName     string `toml:"server_hostname"`       // Hostname for the server
	ServerPort         string `toml:"server_port"`           // Port for the main server
	HandleCORS         bool   `toml:"handle_cors"`           // Whether to handle CORS
	MaxRequestBodySize int64  `toml:"max_request_body_size"` // Maximum size of request body in bytes
	Environment        string `toml:"environment"`           // Key environment this process serves
	LogLevel           string `toml:"log_level"`

	Signing  SigningConfig  `toml:"signing"`
	Keys     KeysConfig     `toml:"keys"`
	Verify   VerifyConfig   `toml:"verify"`
	Redis    RedisConfig    `toml:"redis"`
	Auth     AuthConfig     `toml:"auth"`
	AuditLog AuditLogConfig `toml:"audit_log"`
	DB       DBConfig       `toml:"db"`
}

var cfg *ConfigParam

// Config returns the current configuration
func Config() *ConfigParam {
	return cfg
}

// SetConfig replaces the current configuration.
func SetConfig(c *ConfigParam) {
	cfg = c
}

// DSN returns the database connection string
func (c *ConfigParam) DSN() string {
	if c.DB.Driver == "sqlite" {
		return c.DB.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.DBName, c.DB.SSLMode)
}

// DecodePrivateKey accepts a base64 (standard or URL, padded or not) Ed25519 seed
// or full private key.
func DecodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("private key is not valid base64")
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(raw)
		// the trailing half must be the public key derived from the seed
		if !ed25519.NewKeyFromSeed(priv.Seed()).Equal(priv) {
			return nil, fmt.Errorf("private key is inconsistent with its public half")
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// ParseDuration parses a duration string in the format "<number><unit>" where unit can be:
// - y: years
// - d: days
// - h: hours
// - m: minutes
// - s: seconds
// - ms: milliseconds
func ParseDuration(input string) (time.Duration, error) {
	input = strings.TrimSpace(input)
	if len(input) < 2 {
		return 0, fmt.Errorf("invalid input format")
	}

	unit := input[len(input)-1:]
	valueStr := input[:len(input)-1]
	if strings.HasSuffix(input, "ms") {
		unit = "ms"
		valueStr = input[:len(input)-2]
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative duration: %s", input)
	}

	var duration time.Duration
	switch unit {
	case "d":
		duration = time.Duration(value) * 24 * time.Hour
	case "h":
		duration = time.Duration(value) * time.Hour
	case "m":
		duration = time.Duration(value) * time.Minute
	case "s":
		duration = time.Duration(value) * time.Second
	case "ms":
		duration = time.Duration(value) * time.Millisecond
	case "y":
		// 1 year = 365 days
		duration = time.Duration(value) * 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown time unit: %s", unit)
	}

	return duration, nil
}

func setDefaults(cfg *ConfigParam) {
	if cfg.MaxRequestBodySize == 0 {
		cfg.MaxRequestBodySize = DefaultMaxRequestBody
	}
	if cfg.Environment == "" {
		cfg.Environment = "default"
	}
	if cfg.Signing.Mode == "" {
		cfg.Signing.Mode = string(rcptcommon.SigningModeRequired)
	}
	if cfg.Signing.ReceiptTTLMs == 0 {
		cfg.Signing.ReceiptTTLMs = DefaultReceiptTTLMs
	}
	if cfg.Keys.CacheTTL == "" {
		cfg.Keys.CacheTTL = DefaultKeyCacheTTL
	}
	if cfg.Verify.Timeout == "" {
		cfg.Verify.Timeout = DefaultVerifyTimeout
	}
	if cfg.Verify.RateLimit == 0 {
		cfg.Verify.RateLimit = DefaultRateLimit
	}
	if cfg.Verify.RateWindow == "" {
		cfg.Verify.RateWindow = DefaultRateWindow
	}
	if cfg.Verify.RateLimiter == "" {
		cfg.Verify.RateLimiter = "memory"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "receipts:ratelimit:"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "receiptsrv"
	}
	if cfg.Auth.MaxTokenAge == "" {
		cfg.Auth.MaxTokenAge = "24h"
	}
	if cfg.Auth.ClockSkew == "" {
		cfg.Auth.ClockSkew = "1m"
	}
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "postgres"
	}
}

func lookupEnv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

// applyEnv overlays the PP_* environment variables onto cfg. Empty variables are ignored.
func applyEnv(cfg *ConfigParam) error {
	if v, ok := lookupEnv(EnvSigningMode); ok {
		cfg.Signing.Mode = v
	}
	if v, ok := lookupEnv(EnvSigningKeyID); ok {
		cfg.Signing.KeyID = v
	}
	if v, ok := lookupEnv(EnvSigningPrivateKey); ok {
		cfg.Signing.PrivateKey = v
	}
	if v, ok := lookupEnv(EnvReceiptTTLMs); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %v", EnvReceiptTTLMs, err)
		}
		cfg.Signing.ReceiptTTLMs = ms
	}
	if v, ok := lookupEnv(EnvKeyEncryptionPass); ok {
		cfg.Signing.KeyEncryptionPasswd = v
	}
	if v, ok := lookupEnv(EnvAdminTokenSecret); ok {
		cfg.Auth.AdminTokenSecret = v
	}
	if v, ok := lookupEnv(EnvDBPassword); ok {
		cfg.DB.Password = v
	}
	return nil
}

// ValidateConfig checks if all required configuration values are present and valid
func ValidateConfig(cfg *ConfigParam) error {
	if err := validateConfigFormatVersion(cfg); err != nil {
		return err
	}
	if err := validateServerConfig(cfg); err != nil {
		return err
	}
	if err := validateSigningConfig(cfg); err != nil {
		return err
	}
	if err := validateKeysConfig(cfg); err != nil {
		return err
	}
	if err := validateVerifyConfig(cfg); err != nil {
		return err
	}
	if err := validateAuthConfig(cfg); err != nil {
		return err
	}
	if err := validateDBConfig(cfg); err != nil {
		return err
	}
	if err := validateAuditLogConfig(cfg); err != nil {
		return err
	}
	return nil
}

func validateConfigFormatVersion(cfg *ConfigParam) error {
	if cfg.FormatVersion == "" {
		return fmt.Errorf("format_version is required")
	}
	v, err := semver.NewVersion(cfg.FormatVersion)
	if err != nil {
		return fmt.Errorf("invalid format_version: %v", err)
	}
	c, err := semver.NewConstraint(SupportedFormatVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("unsupported config file format version: %s", cfg.FormatVersion)
	}
	return nil
}

func validateServerConfig(cfg *ConfigParam) error {
	if cfg.ServerPort == "" {
		return fmt.Errorf("server_port is required")
	}
	if cfg.MaxRequestBodySize < 0 {
		return fmt.Errorf("max_request_body_size must not be negative")
	}
	return nil
}

func validateSigningConfig(cfg *ConfigParam) error {
	mode, ok := rcptcommon.ParseSigningMode(cfg.Signing.Mode)
	if !ok {
		return fmt.Errorf("invalid signing.mode: %q", cfg.Signing.Mode)
	}
	cfg.Signing.Mode = string(mode)
	if cfg.Signing.ReceiptTTLMs <= 0 {
		return fmt.Errorf("signing.receipt_ttl_ms must be positive")
	}
	if cfg.Signing.KeyID != "" && !common.IsValidKeyId(cfg.Signing.KeyID) {
		return fmt.Errorf("invalid signing.key_id: %q", cfg.Signing.KeyID)
	}
	if mode == rcptcommon.SigningModeRequired && cfg.Signing.KeyID == "" {
		return fmt.Errorf("signing.key_id is required when signing mode is required")
	}
	if cfg.Signing.KeyID == "" && cfg.Signing.HasKeyMaterial() && mode == rcptcommon.SigningModeOptional {
		return fmt.Errorf("signing.key_id is required when a private key or key passphrase is configured")
	}
	if _, err := DecodePrivateKey(cfg.Signing.PrivateKey); err != nil {
		return fmt.Errorf("invalid signing private key: %v", err)
	}
	if cfg.Signing.BootstrapIfEmpty && cfg.Signing.PrivateKey == "" {
		return fmt.Errorf("signing.bootstrap_if_empty requires a private key")
	}
	return nil
}

func validateKeysConfig(cfg *ConfigParam) error {
	d, err := ParseDuration(cfg.Keys.CacheTTL)
	if err != nil {
		return fmt.Errorf("invalid keys.cache_ttl: %v", err)
	}
	if d > MaxKeyCacheTTL {
		return fmt.Errorf("keys.cache_ttl must not exceed %s", MaxKeyCacheTTL)
	}
	return nil
}

func validateVerifyConfig(cfg *ConfigParam) error {
	d, err := ParseDuration(cfg.Verify.Timeout)
	if err != nil {
		return fmt.Errorf("invalid verify.timeout: %v", err)
	}
	if d <= 0 {
		return fmt.Errorf("verify.timeout must be positive")
	}
	if cfg.Verify.RateLimit <= 0 {
		return fmt.Errorf("verify.rate_limit must be positive")
	}
	w, err := ParseDuration(cfg.Verify.RateWindow)
	if err != nil {
		return fmt.Errorf("invalid verify.rate_window: %v", err)
	}
	if w <= 0 {
		return fmt.Errorf("verify.rate_window must be positive")
	}
	switch cfg.Verify.RateLimiter {
	case "memory", "token_bucket":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis rate limiter")
		}
	default:
		return fmt.Errorf("invalid verify.rate_limiter: %q", cfg.Verify.RateLimiter)
	}
	return nil
}

func validateAuthConfig(cfg *ConfigParam) error {
	if cfg.Auth.AdminTokenSecret != "" && len(cfg.Auth.AdminTokenSecret) < 32 {
		return fmt.Errorf("auth.admin_token_secret must be at least 32 bytes")
	}
	if _, err := ParseDuration(cfg.Auth.MaxTokenAge); err != nil {
		return fmt.Errorf("invalid auth.max_token_age: %v", err)
	}
	if _, err := ParseDuration(cfg.Auth.ClockSkew); err != nil {
		return fmt.Errorf("invalid auth.clock_skew: %v", err)
	}
	return nil
}

func validateDBConfig(cfg *ConfigParam) error {
	switch cfg.DB.Driver {
	case "sqlite":
		if cfg.DB.Path == "" {
			return fmt.Errorf("db.path is required for sqlite")
		}
		return nil
	case "postgres":
	default:
		return fmt.Errorf("invalid db.driver: %q", cfg.DB.Driver)
	}
	if cfg.DB.Host == "" {
		return fmt.Errorf("db.host is required")
	}
	if cfg.DB.Port <= 0 {
		return fmt.Errorf("db.port must be positive")
	}
	if cfg.DB.DBName == "" {
		return fmt.Errorf("db.dbname is required")
	}
	if cfg.DB.User == "" {
		return fmt.Errorf("db.user is required")
	}
	if cfg.DB.SSLMode == "" {
		return fmt.Errorf("db.sslmode is required")
	}
	return nil
}

func validateAuditLogConfig(cfg *ConfigParam) error {
	if !cfg.AuditLog.Enabled {
		return nil
	}
	if cfg.AuditLog.Path == "" {
		userHomeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error getting user home directory: %v", err)
		}
		cfg.AuditLog.Path = filepath.Join(userHomeDir, ".receiptsrv", "audit.jsonl")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AuditLog.Path), 0700); err != nil {
		return fmt.Errorf("error creating audit log directory: %v", err)
	}
	return nil
}

// ParseConfig decodes TOML content, applies defaults and environment overrides,
// and validates the result.
func ParseConfig(content string) (*ConfigParam, error) {
	c := &ConfigParam{}
	if _, err := toml.Decode(content, c); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}
	setDefaults(c)
	if err := applyEnv(c); err != nil {
		return nil, err
	}
	if err := ValidateConfig(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	return c, nil
}

// LoadConfig loads configuration from a file. A .env file next to the working
// directory, if present, is loaded into the environment first.
func LoadConfig(filename string) error {
	if filename == "" {
		return fmt.Errorf("config filename is required")
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error loading .env: %v", err)
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	c, err := ParseConfig(string(content))
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// TestConfig returns a valid configuration backed by a SQLite file under dir,
// for use by package tests.
func TestConfig(dir string) *ConfigParam {
	c := &ConfigParam{
		FormatVersion: "0.1.0",
		ServerPort:    "0",
		Environment:   "test",
		Signing: SigningConfig{
			Mode:                string(rcptcommon.SigningModeRequired),
			KeyID:               "k1",
			KeyEncryptionPasswd: "test-passphrase",
		},
		Auth: AuthConfig{
			AdminTokenSecret: "test-admin-secret-0123456789abcdef",
		},
		DB: DBConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dir, "receipts.db"),
		},
	}
	setDefaults(c)
	return c
}
