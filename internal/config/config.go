package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/onexay/hgrev/internal/storage"
)

// EnvPrefix is prepended to every environment override, e.g. HGREV_API_ADDR.
const EnvPrefix = "HGREV"

// Config aggregates runtime configuration.
type Config struct {
	APIAddr  string         `mapstructure:"api_addr"`
	Index    IndexConfig    `mapstructure:"index"`
	Hosting  HostingConfig  `mapstructure:"hosting"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Resolver ResolverConfig `mapstructure:"resolver"`
}

// IndexConfig contains backend selection and nested settings.
type IndexConfig struct {
	Backend  storage.Backend `mapstructure:"backend"`
	KeyDB    storage.Config  `mapstructure:"keydb"`
	BoltPath string          `mapstructure:"bolt_path"`
}

// HostingConfig tunes requests against the hosting service.
type HostingConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// CatalogConfig locates the branch list. An empty Path uses the built-in branches.
type CatalogConfig struct {
	Path   string        `mapstructure:"path"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// ResolverConfig holds cache lifetimes and background discovery settings.
type ResolverConfig struct {
	RevisionTTL     time.Duration `mapstructure:"revision_ttl"`
	DiffTTL         time.Duration `mapstructure:"diff_ttl"`
	CacheSize       int           `mapstructure:"cache_size"`
	MaxTodoAge      time.Duration `mapstructure:"max_todo_age"`
	LandingBranches []string      `mapstructure:"landing_branches"`
	DoNotScan       []string      `mapstructure:"do_not_scan"`
	FinderWorkers   int           `mapstructure:"finder_workers"`
	Daemon          bool          `mapstructure:"daemon"`
	Machine         string        `mapstructure:"machine"`
}

var defaults = map[string]any{
	"api_addr":                  ":8080",
	"index.backend":             string(storage.BackendMemory),
	"index.keydb.addr":          "",
	"index.keydb.username":      "",
	"index.keydb.password":      "",
	"index.keydb.database":      0,
	"index.bolt_path":           "data/revisions.db",
	"hosting.timeout":           "30s",
	"hosting.retry_delay":       "5s",
	"hosting.user_agent":        "hgrev/1.0",
	"catalog.path":              "",
	"catalog.max_age":           "1h",
	"resolver.revision_ttl":     "1h",
	"resolver.diff_ttl":         "1m",
	"resolver.cache_size":       10000,
	"resolver.max_todo_age":     "24h",
	"resolver.landing_branches": []string{"try", "mozilla-inbound", "autoland"},
	"resolver.do_not_scan":      []string{"try"},
	"resolver.finder_workers":   3,
	"resolver.daemon":           true,
	"resolver.machine":          "",
}

// aliases keep the short environment names working, e.g. HGREV_KEYDB_ADDR.
var aliases = map[string]string{
	"keydb_addr":     "index.keydb.addr",
	"keydb_username": "index.keydb.username",
	"keydb_password": "index.keydb.password",
	"keydb_db":       "index.keydb.database",
	"bolt_path":      "index.bolt_path",
}

// Load reads configuration from defaults, an optional YAML file and HGREV_*
// environment variables, in increasing order of precedence. With an empty
// path, ~/.hgrev/config.yaml is used when it exists.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for alias, key := range aliases {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), EnvPrefix+"_"+strings.ToUpper(alias)); err != nil {
			return Config{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return Config{}, fmt.Errorf("locate home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".hgrev"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Index.Backend = storage.Backend(strings.ToLower(string(cfg.Index.Backend)))
	return cfg, nil
}
