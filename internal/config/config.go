package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultGlamourStyle = "dark"
	DefaultBaseURL      = "http://localhost:8000/api/v1"
	DefaultIndexPath    = ":memory:"
	DefaultExportDir    = "exports"
	DefaultSearchK      = 5
	DefaultTimeout      = 30 * time.Second

	envPrefix = "KBCHAT"
)

type AppConfig struct {
	BaseURL          string
	UseKnowledgeBase bool
	ExportDir        string
	IndexPath        string
	LogFile          string
	LogLevel         string
	GlamourStyle     string
	SearchK          int
	Timeout          time.Duration

	// ConfigFile is the file that was read, empty when none was found.
	ConfigFile string
}

// New returns a viper instance with defaults and KBCHAT_* environment
// lookups applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("use_knowledge_base", true)
	v.SetDefault("export_dir", DefaultExportDir)
	v.SetDefault("index_path", DefaultIndexPath)
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("glamour_style", DefaultGlamourStyle)
	v.SetDefault("search_k", DefaultSearchK)
	v.SetDefault("timeout", DefaultTimeout)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags registers the persistent flags shared by every command.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("base-url", DefaultBaseURL, "backend API base URL")
	fs.Bool("use-kb", true, "answer with knowledge base retrieval")
	fs.String("export-dir", DefaultExportDir, "directory for exported conversations")
	fs.String("index-path", DefaultIndexPath, "SQLite path for the local search index")
	fs.String("log-file", "", "log file path (\"-\" for stderr, empty to discard)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("glamour-style", DefaultGlamourStyle, "markdown style for answers")
	fs.Int("search-k", DefaultSearchK, "number of knowledge base search results")
	fs.Duration("timeout", DefaultTimeout, "timeout for non-streaming requests")

	bindings := map[string]string{
		"base_url":           "base-url",
		"use_knowledge_base": "use-kb",
		"export_dir":         "export-dir",
		"index_path":         "index-path",
		"log_file":           "log-file",
		"log_level":          "log-level",
		"glamour_style":      "glamour-style",
		"search_k":           "search-k",
		"timeout":            "timeout",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads configFile, or the default config path when empty, and returns
// the resolved configuration. A missing default config file is not an error.
func Load(v *viper.Viper, configFile string) (AppConfig, error) {
	var cfg AppConfig

	explicit := configFile != ""
	if !explicit {
		if path, err := DefaultConfigPath(); err == nil {
			configFile = path
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		err := v.ReadInConfig()
		switch {
		case err == nil:
			cfg.ConfigFile = v.ConfigFileUsed()
		case !explicit && isNotExist(err):
		default:
			return cfg, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg.BaseURL = strings.TrimSpace(v.GetString("base_url"))
	cfg.UseKnowledgeBase = v.GetBool("use_knowledge_base")
	cfg.ExportDir = v.GetString("export_dir")
	cfg.IndexPath = v.GetString("index_path")
	cfg.LogFile = v.GetString("log_file")
	cfg.LogLevel = v.GetString("log_level")
	cfg.GlamourStyle = v.GetString("glamour_style")
	cfg.SearchK = v.GetInt("search_k")
	cfg.Timeout = v.GetDuration("timeout")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.IndexPath != DefaultIndexPath {
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o755); err != nil {
			return cfg, fmt.Errorf("create index dir: %w", err)
		}
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base_url %q: want an absolute http(s) URL", c.BaseURL)
	}
	if c.SearchK < 1 {
		return fmt.Errorf("invalid search_k %d: must be at least 1", c.SearchK)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout %s", c.Timeout)
	}
	if c.GlamourStyle == "" {
		return errors.New("glamour_style must not be empty")
	}
	return nil
}

// DefaultConfigPath is $XDG_CONFIG_HOME/kbchat/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(dir, "kbchat", "config.yaml"), nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}
