package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. With the "-" to "_" env replacer each key maps to the
// upper-cased environment variable, e.g. listen-addr -> LISTEN_ADDR.
const (
	KeyListenAddr        = "listen-addr"
	KeyTokenVerifierURL  = "token-verifier-url"
	KeyTitleMax          = "request-title-max"
	KeyBodyMax           = "request-body-max"
	KeyDeadlineMS        = "request-deadline-ms"
	KeyStoreDriver       = "store-driver"
	KeyDataDir           = "data-dir"
	KeyJWTSecret         = "jwt-secret"
	KeyJWTIssuer         = "jwt-issuer"
	KeyJWTRevokedIDs     = "jwt-revoked-ids"
	KeyTokensFile        = "tokens-file"
	KeyVerifierCacheTTL  = "verifier-cache-ttl-ms"
	KeyVerifierCacheSize = "verifier-cache-size"
	KeyLogLevel          = "log-level"
	KeyLogFormat         = "log-format"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

const (
	VerifierRemote = "remote"
	VerifierJWT    = "jwt"
	VerifierStatic = "static"
)

// Config is the service configuration.
type Config struct {
	ListenAddr        string
	TokenVerifierURL  string
	TitleMax          int
	BodyMax           int
	RequestDeadline   time.Duration
	StoreDriver       string
	DataDir           string
	JWTSecret         string
	JWTIssuer         string
	JWTRevokedIDs     []string
	TokensFile        string
	VerifierCacheTTL  time.Duration
	VerifierCacheSize int
	LogLevel          string
	LogFormat         string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyTitleMax, 200)
	v.SetDefault(KeyBodyMax, 8192)
	v.SetDefault(KeyDeadlineMS, 5000)
	v.SetDefault(KeyStoreDriver, StoreSQLite)
	v.SetDefault(KeyDataDir, ".")
	v.SetDefault(KeyVerifierCacheTTL, 60000)
	v.SetDefault(KeyVerifierCacheSize, 1024)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
}

// BindEnv makes v read unprefixed environment variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// FromViper reads and validates the configuration.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddr:        strings.TrimSpace(v.GetString(KeyListenAddr)),
		TokenVerifierURL:  strings.TrimSpace(v.GetString(KeyTokenVerifierURL)),
		TitleMax:          v.GetInt(KeyTitleMax),
		BodyMax:           v.GetInt(KeyBodyMax),
		RequestDeadline:   time.Duration(v.GetInt64(KeyDeadlineMS)) * time.Millisecond,
		StoreDriver:       strings.ToLower(strings.TrimSpace(v.GetString(KeyStoreDriver))),
		DataDir:           v.GetString(KeyDataDir),
		JWTSecret:         v.GetString(KeyJWTSecret),
		JWTIssuer:         strings.TrimSpace(v.GetString(KeyJWTIssuer)),
		JWTRevokedIDs:     splitList(v.GetString(KeyJWTRevokedIDs)),
		TokensFile:        strings.TrimSpace(v.GetString(KeyTokensFile)),
		VerifierCacheTTL:  time.Duration(v.GetInt64(KeyVerifierCacheTTL)) * time.Millisecond,
		VerifierCacheSize: v.GetInt(KeyVerifierCacheSize),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         v.GetString(KeyLogFormat),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.TitleMax <= 0 {
		return fmt.Errorf("REQUEST_TITLE_MAX must be positive, got %d", c.TitleMax)
	}
	if c.BodyMax <= 0 {
		return fmt.Errorf("REQUEST_BODY_MAX must be positive, got %d", c.BodyMax)
	}
	if c.RequestDeadline <= 0 {
		return fmt.Errorf("REQUEST_DEADLINE_MS must be positive")
	}
	switch c.StoreDriver {
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreSQLite, StoreMemory, c.StoreDriver)
	}
	if c.VerifierMode() == "" {
		return fmt.Errorf("TOKEN_VERIFIER_URL is required unless JWT_SECRET or TOKENS_FILE configures an in-process verifier")
	}
	return nil
}

// VerifierMode picks the token verifier: remote wins over JWT, JWT over the
// static token file. Empty means none is configured.
func (c Config) VerifierMode() string {
	switch {
	case c.TokenVerifierURL != "":
		return VerifierRemote
	case strings.TrimSpace(c.JWTSecret) != "":
		return VerifierJWT
	case c.TokensFile != "":
		return VerifierStatic
	default:
		return ""
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
