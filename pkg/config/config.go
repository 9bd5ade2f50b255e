// Package config loads server settings. Precedence, lowest first:
// built-in defaults, a YAML file, environment variables (a .env file is
// read first), then explicitly set command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const Version = "0.3.0"

// Config holds application configuration
type Config struct {
	// Server configuration
	Host           string
	Port           int
	AdminEnabled   bool
	RequestTimeout time.Duration

	// Storage configuration
	StorageType   string // "memory", "jsonfile", "sqlite", "badger" or "neo4j"
	DBPath        string // SQLite database path
	DataDir       string // jsonfile and badger data directory
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// Lookup cache configuration
	CacheType         string // "memory" or "redis"
	RedisHost         string
	RedisPort         int
	RedisDB           int
	RedisKeyPrefix    string
	IdentityCacheSize int
	PageCacheSize     int

	// Batch writer
	FlushInterval time.Duration
	ChunkSize     int

	// Request validation
	PageURLPrefix    string
	PageCheckEnabled bool
	PageCheckTimeout time.Duration
	DefaultRegion    string

	// Debug
	Debug bool
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8080,
		AdminEnabled:      true,
		RequestTimeout:    60 * time.Second,
		StorageType:       "sqlite",
		DBPath:            "archety.db",
		DataDir:           "data",
		Neo4jURI:          "bolt://localhost:7687",
		Neo4jUser:         "neo4j",
		CacheType:         "memory",
		RedisHost:         "localhost",
		RedisPort:         6379,
		RedisKeyPrefix:    "archety",
		IdentityCacheSize: 10_000_000,
		PageCacheSize:     11_000_000,
		FlushInterval:     time.Second,
		ChunkSize:         40_000,
		PageURLPrefix:     "http://en.wikipedia.org/wiki/",
		PageCheckEnabled:  true,
		PageCheckTimeout:  5 * time.Second,
		DefaultRegion:     "US",
		Debug:             false,
	}
}

// fileConfig mirrors Config in YAML. Pointers distinguish unset keys.
type fileConfig struct {
	Server struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		AdminEnabled   *bool  `yaml:"admin_enabled"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"server"`
	Storage struct {
		Type    string `yaml:"type"`
		DBPath  string `yaml:"db_path"`
		DataDir string `yaml:"data_dir"`
		Neo4j   struct {
			URI      string `yaml:"uri"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Database string `yaml:"database"`
		} `yaml:"neo4j"`
	} `yaml:"storage"`
	Cache struct {
		Type         string `yaml:"type"`
		IdentitySize int    `yaml:"identity_size"`
		PageSize     int    `yaml:"page_size"`
		Redis        struct {
			Host      string `yaml:"host"`
			Port      int    `yaml:"port"`
			DB        *int   `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	Batch struct {
		FlushInterval string `yaml:"flush_interval"`
		ChunkSize     int    `yaml:"chunk_size"`
	} `yaml:"batch"`
	Pages struct {
		URLPrefix    string `yaml:"url_prefix"`
		Check        *bool  `yaml:"check"`
		CheckTimeout string `yaml:"check_timeout"`
	} `yaml:"pages"`
	DefaultRegion string `yaml:"default_region"`
	Debug         *bool  `yaml:"debug"`
}

// LoadFromFile applies the settings present in a YAML file
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&cfg.Host, fc.Server.Host)
	setInt(&cfg.Port, fc.Server.Port)
	setBool(&cfg.AdminEnabled, fc.Server.AdminEnabled)
	setString(&cfg.StorageType, fc.Storage.Type)
	setString(&cfg.DBPath, fc.Storage.DBPath)
	setString(&cfg.DataDir, fc.Storage.DataDir)
	setString(&cfg.Neo4jURI, fc.Storage.Neo4j.URI)
	setString(&cfg.Neo4jUser, fc.Storage.Neo4j.User)
	setString(&cfg.Neo4jPassword, fc.Storage.Neo4j.Password)
	setString(&cfg.Neo4jDatabase, fc.Storage.Neo4j.Database)
	setString(&cfg.CacheType, fc.Cache.Type)
	setInt(&cfg.IdentityCacheSize, fc.Cache.IdentitySize)
	setInt(&cfg.PageCacheSize, fc.Cache.PageSize)
	setString(&cfg.RedisHost, fc.Cache.Redis.Host)
	setInt(&cfg.RedisPort, fc.Cache.Redis.Port)
	if fc.Cache.Redis.DB != nil {
		cfg.RedisDB = *fc.Cache.Redis.DB
	}
	setString(&cfg.RedisKeyPrefix, fc.Cache.Redis.KeyPrefix)
	setInt(&cfg.ChunkSize, fc.Batch.ChunkSize)
	setString(&cfg.PageURLPrefix, fc.Pages.URLPrefix)
	setBool(&cfg.PageCheckEnabled, fc.Pages.Check)
	setString(&cfg.DefaultRegion, fc.DefaultRegion)
	setBool(&cfg.Debug, fc.Debug)

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", fc.Server.RequestTimeout, &cfg.RequestTimeout},
		{"batch.flush_interval", fc.Batch.FlushInterval, &cfg.FlushInterval},
		{"pages.check_timeout", fc.Pages.CheckTimeout, &cfg.PageCheckTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables, reading a
// .env file in the working directory first when one exists
func LoadFromEnv(cfg *Config) {
	_ = godotenv.Load()

	if val := os.Getenv("HOST"); val != "" {
		cfg.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Port = port
		}
	}
	if val := os.Getenv("ADMIN_ENABLED"); val != "" {
		cfg.AdminEnabled = parseBool(val)
	}
	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		cfg.StorageType = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	}
	if val := os.Getenv("DATA_DIR"); val != "" {
		cfg.DataDir = val
	}
	if val := os.Getenv("NEO4J_URI"); val != "" {
		cfg.Neo4jURI = val
	}
	if val := os.Getenv("NEO4J_USER"); val != "" {
		cfg.Neo4jUser = val
	}
	if val := os.Getenv("NEO4J_PASSWORD"); val != "" {
		cfg.Neo4jPassword = val
	}
	if val := os.Getenv("NEO4J_DATABASE"); val != "" {
		cfg.Neo4jDatabase = val
	}
	if val := os.Getenv("CACHE_TYPE"); val != "" {
		cfg.CacheType = val
	}
	if val := os.Getenv("REDIS_HOST"); val != "" {
		cfg.RedisHost = val
	}
	if val := os.Getenv("REDIS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.RedisPort = port
		}
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.RedisDB = db
		}
	}
	if val := os.Getenv("REDIS_KEY_PREFIX"); val != "" {
		cfg.RedisKeyPrefix = val
	}
	if val := os.Getenv("IDENTITY_CACHE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.IdentityCacheSize = size
		}
	}
	if val := os.Getenv("PAGE_CACHE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.PageCacheSize = size
		}
	}
	if val := os.Getenv("FLUSH_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.FlushInterval = d
		}
	}
	if val := os.Getenv("CHUNK_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.ChunkSize = size
		}
	}
	if val := os.Getenv("PAGE_URL_PREFIX"); val != "" {
		cfg.PageURLPrefix = val
	}
	if val := os.Getenv("PAGE_CHECK"); val != "" {
		cfg.PageCheckEnabled = parseBool(val)
	}
	if val := os.Getenv("DEFAULT_REGION"); val != "" {
		cfg.DefaultRegion = val
	}
	if val := os.Getenv("DEBUG"); val != "" {
		cfg.Debug = parseBool(val)
	}
}

// BindFlags registers the command-line flags that can override cfg
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.String("config", "", "path to a YAML config file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen address")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	fs.StringVar(&cfg.StorageType, "storage", cfg.StorageType, "store backend (memory, jsonfile, sqlite, badger, neo4j)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory for jsonfile and badger")
	fs.StringVar(&cfg.CacheType, "cache", cfg.CacheType, "lookup cache (memory, redis)")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "batch flush period")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "records per store transaction")
	fs.BoolVar(&cfg.PageCheckEnabled, "page-check", cfg.PageCheckEnabled, "check that new pages resolve")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging")
}

// Load runs the full precedence chain: defaults, the YAML file named by
// --config (if any), the environment, then flags set on the command line.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()
	BindFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// flags were parsed into cfg already; keep them aside and rebuild
	// the lower layers underneath
	flagged := *cfg
	*cfg = *Default()
	if path, _ := fs.GetString("config"); path != "" {
		if err := LoadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	ApplyFlags(fs, cfg, &flagged)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyFlags copies the flags explicitly set on the command line from
// parsed into cfg
func ApplyFlags(fs *flag.FlagSet, cfg, parsed *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = parsed.Host
		case "port":
			cfg.Port = parsed.Port
		case "storage":
			cfg.StorageType = parsed.StorageType
		case "db-path":
			cfg.DBPath = parsed.DBPath
		case "data-dir":
			cfg.DataDir = parsed.DataDir
		case "cache":
			cfg.CacheType = parsed.CacheType
		case "flush-interval":
			cfg.FlushInterval = parsed.FlushInterval
		case "chunk-size":
			cfg.ChunkSize = parsed.ChunkSize
		case "page-check":
			cfg.PageCheckEnabled = parsed.PageCheckEnabled
		case "debug":
			cfg.Debug = parsed.Debug
		}
	})
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.StorageType {
	case "memory", "jsonfile", "sqlite", "badger", "neo4j":
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.StorageType))
	}
	if c.StorageType == "neo4j" && c.Neo4jURI == "" {
		errs = append(errs, errors.New("NEO4J_URI is required for neo4j storage"))
	}
	switch c.CacheType {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cache type %q", c.CacheType))
	}
	if c.IdentityCacheSize <= 0 || c.PageCacheSize <= 0 {
		errs = append(errs, errors.New("cache sizes must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush interval must be positive"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk size must be positive"))
	}
	if !strings.HasPrefix(c.PageURLPrefix, "http://") && !strings.HasPrefix(c.PageURLPrefix, "https://") {
		errs = append(errs, fmt.Errorf("page url prefix %q must be an http(s) URL", c.PageURLPrefix))
	}
	return errors.Join(errs...)
}

// StoreConfig returns the options passed to the storage registry
func (c *Config) StoreConfig() map[string]interface{} {
	return map[string]interface{}{
		"db_path":        c.DBPath,
		"data_dir":       c.DataDir,
		"neo4j_uri":      c.Neo4jURI,
		"neo4j_user":     c.Neo4jUser,
		"neo4j_password": c.Neo4jPassword,
		"neo4j_database": c.Neo4jDatabase,
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func parseBool(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes"
}
