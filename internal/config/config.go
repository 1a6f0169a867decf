package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/pkg/utils"
)

var (
	multiValueKeys = map[string]bool{
		"AGE_RECIPIENT": true,
		"BACKUP_IGNORE": true,
	}

	// envKeys lists every key that an environment variable may override.
	envKeys = []string{
		"DB_PATH", "ARCHIVE_ROOT", "TEMP_DIR",
		"DEBUG_LEVEL", "USE_COLOR", "LOG_PATH",
		"COMPRESSION_TYPE", "COMPRESSION_LEVEL",
		"ENCRYPT_ARCHIVE", "AGE_RECIPIENT", "AGE_IDENTITY_FILE",
		"MAX_BACKUPS", "BACKUP_IGNORE",
		"COMMAND_TIMEOUT", "CONNECT_TIMEOUT", "CONNECT_RETRIES",
		"SSH_KEY_PATH", "SSH_KNOWN_HOSTS",
		"LOCK_TIMEOUT", "LOCK_OWNER",
		"METRICS_ENABLED", "METRICS_PATH",
		"WEBHOOK_ENABLED", "WEBHOOK_URL", "WEBHOOK_TIMEOUT", "WEBHOOK_MAX_RETRIES",
		"WEBHOOK_FORMAT", "WEBHOOK_TOKEN",
		"GIT_REPOSITORY_URL", "SVN_REPOSITORY_URL",
		"MYSQLDUMP_OPTIONS", "CREDENTIALS_FILE",
	}
)

// Config holds the fleet manager settings.
type Config struct {
	// General
	DebugLevel types.LogLevel
	UseColor   bool
	LogPath    string

	// Paths
	DBPath      string
	ArchiveRoot string
	TempDir     string

	// Archives
	CompressionType  types.CompressionType
	CompressionLevel int
	EncryptArchive   bool
	AgeRecipients    []string
	AgeIdentityFile  string
	MaxBackups       int
	BackupIgnore     []string
	MySQLDumpOptions string

	// Transports
	CommandTimeout time.Duration
	ConnectTimeout time.Duration
	ConnectRetries int
	SSHKeyPath     string
	SSHKnownHosts  string
	// Credentials maps the credential references stored on instances to
	// secrets, read from CREDENTIALS_FILE.
	Credentials map[string]string

	// Locking
	LockTimeout time.Duration
	LockOwner   string

	// Metrics
	MetricsEnabled bool
	MetricsPath    string

	// Webhook notifications
	WebhookEnabled    bool
	WebhookURL        string
	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	WebhookFormat     string
	WebhookToken      string

	// Upstream repositories
	GitRepositoryURL string
	SVNRepositoryURL string

	ConfigPath string
	raw        map[string]string
}

// LoadConfig reads an env-style configuration file. An empty path yields
// the defaults, still subject to environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	rawValues := make(map[string]string)
	if configPath != "" {
		if !utils.FileExists(configPath) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
		var err error
		rawValues, err = parseEnvFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		ConfigPath: configPath,
		raw:        rawValues,
	}

	// Environment variables take precedence over the file.
	cfg.loadEnvOverrides()

	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadEnvOverrides() {
	for _, key := range envKeys {
		if envValue := os.Getenv(key); envValue != "" {
			c.raw[key] = envValue
		}
	}
}

func (c *Config) parse() error {
	c.DebugLevel = c.getLogLevel("DEBUG_LEVEL", types.LogLevelInfo)
	c.UseColor = c.getBool("USE_COLOR", true)
	c.LogPath = c.getString("LOG_PATH", "")

	home := defaultHome()
	c.DBPath = c.getString("DB_PATH", filepath.Join(home, "cmsfleet.db"))
	c.ArchiveRoot = c.getString("ARCHIVE_ROOT", filepath.Join(home, "archives"))
	c.TempDir = c.getString("TEMP_DIR", os.TempDir())
	// Archive paths are stored in the database, so relative roots are
	// pinned to the working directory of the run that loads them.
	for _, p := range []*string{&c.DBPath, &c.ArchiveRoot, &c.TempDir} {
		abs, err := utils.AbsPath(*p)
		if err != nil {
			return err
		}
		*p = abs
	}

	c.CompressionType = c.getCompressionType("COMPRESSION_TYPE", types.CompressionGzip)
	switch c.CompressionType {
	case types.CompressionGzip, types.CompressionBzip2, types.CompressionXZ, types.CompressionNone:
	default:
		return fmt.Errorf("invalid COMPRESSION_TYPE %q (want gz, bz2, xz or none)", c.CompressionType)
	}
	c.CompressionLevel = c.getInt("COMPRESSION_LEVEL", 6)
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		c.CompressionLevel = 6
	}

	c.EncryptArchive = c.getBool("ENCRYPT_ARCHIVE", false)
	c.AgeRecipients = c.getStringSlice("AGE_RECIPIENT", nil)
	c.AgeIdentityFile = c.getString("AGE_IDENTITY_FILE", "")
	if c.EncryptArchive && len(c.AgeRecipients) == 0 {
		return fmt.Errorf("ENCRYPT_ARCHIVE is enabled but no AGE_RECIPIENT is set")
	}

	c.MaxBackups = c.getInt("MAX_BACKUPS", 5)
	if c.MaxBackups < 0 {
		c.MaxBackups = 0
	}
	c.BackupIgnore = c.getStringSlice("BACKUP_IGNORE", nil)
	c.MySQLDumpOptions = c.getString("MYSQLDUMP_OPTIONS", "--single-transaction --quick")

	c.CommandTimeout = c.getSeconds("COMMAND_TIMEOUT", 10*time.Minute)
	c.ConnectTimeout = c.getSeconds("CONNECT_TIMEOUT", 30*time.Second)
	c.ConnectRetries = c.ensurePositiveInt("CONNECT_RETRIES", 3)
	c.SSHKeyPath = c.getString("SSH_KEY_PATH", filepath.Join(userHome(), ".ssh", "id_ed25519"))
	c.SSHKnownHosts = c.getString("SSH_KNOWN_HOSTS", filepath.Join(userHome(), ".ssh", "known_hosts"))

	c.Credentials = map[string]string{}
	if credPath := c.getString("CREDENTIALS_FILE", ""); credPath != "" {
		creds, err := parseEnvFile(credPath)
		if err != nil {
			return fmt.Errorf("read CREDENTIALS_FILE: %w", err)
		}
		c.Credentials = creds
	}

	c.LockTimeout = c.getSeconds("LOCK_TIMEOUT", 30*time.Second)
	c.LockOwner = c.getString("LOCK_OWNER", defaultOwner())

	c.MetricsEnabled = c.getBool("METRICS_ENABLED", false)
	c.MetricsPath = c.getString("METRICS_PATH", "/var/lib/prometheus/node-exporter")

	c.WebhookEnabled = c.getBool("WEBHOOK_ENABLED", false)
	c.WebhookURL = c.getString("WEBHOOK_URL", "")
	c.WebhookTimeout = c.getSeconds("WEBHOOK_TIMEOUT", 30*time.Second)
	c.WebhookMaxRetries = c.getInt("WEBHOOK_MAX_RETRIES", 3)
	c.WebhookFormat = strings.ToLower(c.getString("WEBHOOK_FORMAT", "generic"))
	switch c.WebhookFormat {
	case "generic", "slack":
	default:
		return fmt.Errorf("invalid WEBHOOK_FORMAT %q (want generic or slack)", c.WebhookFormat)
	}
	c.WebhookToken = c.getString("WEBHOOK_TOKEN", "")
	if c.WebhookEnabled && c.WebhookURL == "" {
		return fmt.Errorf("WEBHOOK_ENABLED is set but WEBHOOK_URL is empty")
	}

	c.GitRepositoryURL = c.getString("GIT_REPOSITORY_URL", "")
	c.SVNRepositoryURL = c.getString("SVN_REPOSITORY_URL", "")
	return nil
}

func (c *Config) getString(key, defaultValue string) string {
	if val, ok := c.raw[key]; ok {
		return os.ExpandEnv(val)
	}
	return defaultValue
}

func (c *Config) getBool(key string, defaultValue bool) bool {
	if val, ok := c.raw[key]; ok {
		return utils.ParseBool(val)
	}
	return defaultValue
}

func (c *Config) getInt(key string, defaultValue int) int {
	if val, ok := c.raw[key]; ok {
		if intVal, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func (c *Config) ensurePositiveInt(key string, defaultValue int) int {
	value := c.getInt(key, defaultValue)
	if value <= 0 {
		return defaultValue
	}
	return value
}

// getSeconds reads an integer number of seconds, or a Go duration string.
func (c *Config) getSeconds(key string, defaultValue time.Duration) time.Duration {
	val, ok := c.raw[key]
	if !ok {
		return defaultValue
	}
	val = strings.TrimSpace(val)
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func (c *Config) getLogLevel(key string, defaultValue types.LogLevel) types.LogLevel {
	if val, ok := c.raw[key]; ok && strings.TrimSpace(val) != "" {
		return types.ParseLogLevel(val)
	}
	return defaultValue
}

func (c *Config) getCompressionType(key string, defaultValue types.CompressionType) types.CompressionType {
	if val, ok := c.raw[key]; ok && strings.TrimSpace(val) != "" {
		v := strings.ToLower(strings.TrimSpace(val))
		switch v {
		case "gzip":
			v = "gz"
		case "bzip2":
			v = "bz2"
		}
		return types.CompressionType(v)
	}
	return defaultValue
}

func (c *Config) getStringSlice(key string, defaultValue []string) []string {
	val, ok := c.raw[key]
	if !ok {
		return defaultValue
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return []string{}
	}

	parts := strings.FieldsFunc(val, func(r rune) bool {
		switch r {
		case ',', ';', '|', '\n':
			return true
		default:
			return false
		}
	})

	var result []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, strings.Trim(trimmed, `"'`))
		}
	}
	if len(result) == 0 {
		return []string{}
	}
	return result
}

// Get returns the raw value of key.
func (c *Config) Get(key string) (string, bool) {
	val, ok := c.raw[key]
	return val, ok
}

// Set overrides the raw value of key. Call Reparse to apply it.
func (c *Config) Set(key, value string) {
	if c.raw == nil {
		c.raw = make(map[string]string)
	}
	c.raw[key] = value
}

// Reparse recomputes the typed fields from the raw values.
func (c *Config) Reparse() error {
	return c.parse()
}

func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if utils.IsComment(line) {
			continue
		}
		line = strings.TrimPrefix(strings.TrimSpace(line), "export ")

		key, value, ok := utils.SplitKeyValue(line)
		if !ok {
			continue
		}

		if multiValueKeys[key] {
			if existing, ok := raw[key]; ok && existing != "" {
				raw[key] = existing + "\n" + value
			} else {
				raw[key] = value
			}
		} else {
			raw[key] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return raw, nil
}

func userHome() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "/root"
}

func defaultHome() string {
	return filepath.Join(userHome(), ".cmsfleet")
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("cmsfleet@%s", strings.ToLower(host))
}
