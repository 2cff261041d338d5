// Package config loads server settings from the environment, an optional
// .env file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// S3 configures the S3-compatible storage backend. It is used when Bucket is set.
type S3 struct {
	Endpoint  string `env:"PINRELAY_S3_ENDPOINT"`
	Bucket    string `env:"PINRELAY_S3_BUCKET"`
	Prefix    string `env:"PINRELAY_S3_PREFIX"`
	KeyID     string `env:"PINRELAY_S3_KEY_ID"`
	SecretKey string `env:"PINRELAY_S3_SECRET_KEY"`
	Insecure  bool   `env:"PINRELAY_S3_INSECURE,default=false"`
}

// Config holds everything the server needs at startup.
type Config struct {
	Addr       string `env:"PINRELAY_ADDR,default=:8080"`
	DBPath     string `env:"PINRELAY_DB,default=pinrelay.db"`
	StorageDir string `env:"PINRELAY_STORAGE_DIR,default=./uploads"`
	TempDir    string `env:"PINRELAY_TEMP_DIR"`
	APIKey     string `env:"PINRELAY_API_KEY"`
	LogLevel   string `env:"PINRELAY_LOG_LEVEL,default=info"`

	TTL                time.Duration `env:"PINRELAY_TTL,default=1h"`
	CleanupInterval    time.Duration `env:"PINRELAY_CLEANUP_INTERVAL,default=1h"`
	CleanupConcurrency int           `env:"PINRELAY_CLEANUP_CONCURRENCY,default=4"`
	PendingGrace       time.Duration `env:"PINRELAY_PENDING_GRACE,default=1h"`

	KeyLength          int    `env:"PINRELAY_KEY_LENGTH,default=5"`
	KeyAlphabet        string `env:"PINRELAY_KEY_ALPHABET,default=ABCDEFGHJKLMNPQRSTUVWXYZ23456789"`
	MaxReserveAttempts int    `env:"PINRELAY_MAX_RESERVE_ATTEMPTS,default=1000"`
	MaxActiveKeys      int    `env:"PINRELAY_MAX_ACTIVE_KEYS,default=0"`

	MaxUploadSize   int64 `env:"PINRELAY_MAX_UPLOAD_SIZE,default=5368709120"`
	MaxUploadsPerIP int   `env:"PINRELAY_MAX_UPLOADS_PER_IP,default=3"`
	// TrustedProxies is a comma-separated list of addresses or CIDR ranges
	// whose X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies string `env:"PINRELAY_TRUSTED_PROXIES"`

	Archive bool `env:"PINRELAY_ARCHIVE,default=false"`
	DevMode bool `env:"PINRELAY_DEV,default=false"`

	S3 S3
}

// Load reads envFile if it exists and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &cfg, nil
}

// BindFlags registers a flag for each setting, defaulting to the value
// already loaded so that only flags given on the command line override it.
func (c *Config) BindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	flags.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path (\":memory:\" or \"memdb\" for an in-memory store)")
	flags.StringVar(&c.StorageDir, "storage", c.StorageDir, "file storage directory")
	flags.StringVar(&c.TempDir, "temp-dir", c.TempDir, "directory for in-progress uploads")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	flags.DurationVar(&c.TTL, "ttl", c.TTL, "how long a transfer stays downloadable")
	flags.DurationVar(&c.CleanupInterval, "cleanup-interval", c.CleanupInterval, "time between cleanup runs")
	flags.DurationVar(&c.PendingGrace, "pending-grace", c.PendingGrace, "how long a reserved key waits for its upload (0 disables)")
	flags.IntVar(&c.MaxActiveKeys, "max-active-keys", c.MaxActiveKeys, "report FULL at this many active keys (0 disables)")
	flags.Int64Var(&c.MaxUploadSize, "max-upload-size", c.MaxUploadSize, "maximum upload size in bytes")
	flags.IntVar(&c.MaxUploadsPerIP, "max-uploads-per-ip", c.MaxUploadsPerIP, "concurrent uploads allowed per client IP (0 disables)")
	flags.StringVar(&c.TrustedProxies, "trusted-proxies", c.TrustedProxies, "comma-separated proxy addresses or CIDRs allowed to set X-Forwarded-For")
	flags.BoolVar(&c.Archive, "archive", c.Archive, "store a zip archive next to each upload")
	flags.BoolVar(&c.DevMode, "dev", c.DevMode, "development mode: disables rate limiting")
}

// InMemoryStore reports whether DBPath selects the in-memory store.
func (c *Config) InMemoryStore() bool {
	return c.DBPath == ":memory:" || c.DBPath == "memdb"
}

// ProxyList splits TrustedProxies into its entries.
func (c *Config) ProxyList() []string {
	var list []string
	for _, entry := range strings.Split(c.TrustedProxies, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			list = append(list, entry)
		}
	}
	return list
}

// UseS3 reports whether files go to S3 instead of StorageDir.
func (c *Config) UseS3() bool {
	return c.S3.Bucket != ""
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("PINRELAY_API_KEY must be set"))
	}
	if c.TTL <= 0 {
		errs = append(errs, fmt.Errorf("ttl must be positive, got %s", c.TTL))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval))
	}
	if c.PendingGrace < 0 {
		errs = append(errs, fmt.Errorf("pending grace must not be negative, got %s", c.PendingGrace))
	}
	if c.KeyLength < 1 {
		errs = append(errs, fmt.Errorf("key length must be at least 1, got %d", c.KeyLength))
	}
	if err := checkAlphabet(c.KeyAlphabet); err != nil {
		errs = append(errs, err)
	}
	if c.MaxReserveAttempts < 0 || c.MaxActiveKeys < 0 || c.MaxUploadsPerIP < 0 || c.CleanupConcurrency < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadSize))
	}
	return errors.Join(errs...)
}

func checkAlphabet(alphabet string) error {
	if len(alphabet) < 2 {
		return fmt.Errorf("key alphabet needs at least 2 characters, got %q", alphabet)
	}
	seen := make(map[byte]bool, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		ch := alphabet[i]
		if ch > 0x7f {
			return fmt.Errorf("key alphabet must be ASCII, got %q", alphabet)
		}
		if seen[ch] {
			return fmt.Errorf("key alphabet repeats %q", ch)
		}
		seen[ch] = true
	}
	return nil
}
