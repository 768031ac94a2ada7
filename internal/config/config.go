package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the upload service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, bearer tokens are taken as user IDs without
	// OIDC verification.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres" or "sqlite"

	// Redis
	RedisURL string

	// Cache backend type
	CacheType string // "redis", "memory" or "none"

	// How long cached project access sets stay valid.
	AccessCacheTTL time.Duration

	// Asset store type
	AssetsType string // "db" or "s3"

	// Upload behavior.
	UploadMaxSize              int64
	UploadDownloadURLExpiresIn time.Duration

	// Listing behavior. An absent count defaults to the ceiling so an
	// uncapped request still gets a bounded response.
	ListDefaultCount int
	ListMaxCount     int

	// How often the asset reaper sweeps tombstoned storage keys, and
	// how many it claims per sweep.
	ReaperInterval  time.Duration
	ReaperBatchSize int

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=upload-service".
	MetricsLabels string

	// S3
	S3Bucket           string
	S3Prefix           string
	S3DirectDownload   bool
	S3ExternalEndpoint string
	S3UsePathStyle     bool

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or UPLOAD_SERVICE_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	// Disabled by default to suppress high-frequency probe noise from the access log.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Security
	// APIKeys maps API key values to user IDs (UPLOAD_SERVICE_API_KEYS_<USER_ID>=<key>).
	APIKeys map[string]string // key value → userId

	// Body size limit (bytes)
	MaxBodySize int64

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                       ModeProd,
		DatastoreType:              "postgres",
		DatastoreMigrateAtStart:    true,
		CacheType:                  "none",
		AccessCacheTTL:             time.Minute,
		AssetsType:                 "db",
		UploadMaxSize:              10 * 1024 * 1024, // 10 MB
		UploadDownloadURLExpiresIn: 5 * time.Minute,
		ListDefaultCount:           200,
		ListMaxCount:               200,
		ReaperInterval:             5 * time.Minute,
		ReaperBatchSize:            100,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:      20 * 1024 * 1024, // 2x upload max-size
		DrainTimeout:     30,
		DBMaxOpenConns:   25,
		DBMaxIdleConns:   5,
		S3DirectDownload: true,
	}
}

// LoadAPIKeysFromEnv scans env vars matching UPLOAD_SERVICE_API_KEYS_<USER_ID>=<key>[,<key>...]
// and returns a map from key value to user ID. Comma-separated values
// let one user hold several keys.
func LoadAPIKeysFromEnv() map[string]string {
	const prefix = "UPLOAD_SERVICE_API_KEYS_"
	result := map[string]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		userID := strings.ToLower(strings.TrimSpace(env[len(prefix):eqIdx]))
		if userID == "" {
			continue
		}
		for _, key := range strings.Split(env[eqIdx+1:], ",") {
			keyValue := strings.TrimSpace(key)
			if keyValue == "" {
				continue
			}
			result[keyValue] = userID
		}
	}
	return result
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
