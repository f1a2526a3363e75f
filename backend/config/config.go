package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/models"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Paths struct {
		Source string `yaml:"source"`
		Output string `yaml:"output"`
		LogDir string `yaml:"log_dir"`
		AppLog string `yaml:"app_log"`
	} `yaml:"paths"`

	Catalog CatalogConfig `yaml:"catalog"`

	Execution struct {
		MaxConcurrency int           `yaml:"max_concurrency"` // 0 means one slot per job
		JobTimeout     time.Duration `yaml:"job_timeout"`
		StepTimeout    time.Duration `yaml:"step_timeout"`
		Recipe         string        `yaml:"recipe"`
		SkipConverted  *bool         `yaml:"skip_converted"`
		FileGlob       string        `yaml:"file_glob"`
	} `yaml:"execution"`

	Sync SyncConfig `yaml:"sync"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Server struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Scheduler struct {
		BatchInterval time.Duration `yaml:"batch_interval"`
	} `yaml:"scheduler"`

	Watcher struct {
		Enabled  bool          `yaml:"enabled"`
		Debounce time.Duration `yaml:"debounce"`
	} `yaml:"watcher"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// CatalogConfig holds the values published in the root catalog
type CatalogConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Product     string   `yaml:"product"`
	Description string   `yaml:"description"`
	Formats     []string `yaml:"formats"`
	License     struct {
		Name      string `yaml:"name"`
		Copyright string `yaml:"copyright"`
	} `yaml:"license"`
	Contact struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
		Phone string `yaml:"phone"`
		URL   string `yaml:"url"`
	} `yaml:"contact"`
	Provider struct {
		Name          string `yaml:"name"`
		Scheme        string `yaml:"scheme"`
		Region        string `yaml:"region"`
		RequesterPays bool   `yaml:"requester_pays"`
	} `yaml:"provider"`
}

// SyncConfig configures the object storage upload
type SyncConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Remote        string        `yaml:"remote"`
	Exclude       []string      `yaml:"exclude"`
	Endpoint      string        `yaml:"endpoint"`
	AccessKey     string        `yaml:"access_key"`
	SecretKey     string        `yaml:"secret_key"`
	UseSSL        bool          `yaml:"use_ssl"`
	Region        string        `yaml:"region"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Paths.LogDir == "" {
		cfg.Paths.LogDir = "./data/logs"
	}
	if cfg.Paths.AppLog == "" {
		cfg.Paths.AppLog = filepath.Join(cfg.Paths.LogDir, "app.log")
	}
	if cfg.Catalog.Description == "" {
		cfg.Catalog.Description = "List of tiles"
	}
	if len(cfg.Catalog.Formats) == 0 {
		cfg.Catalog.Formats = []string{"geotiff", "cog"}
	}
	if cfg.Catalog.License.Name == "" {
		cfg.Catalog.License.Name = "CC BY Attribution 4.0 International License"
		cfg.Catalog.License.Copyright = "DEA, Geoscience Australia"
	}
	if cfg.Catalog.Contact.Name == "" {
		cfg.Catalog.Contact.Name = "Commonwealth of Australia (Geoscience Australia)"
		cfg.Catalog.Contact.Email = "sales@ga.gov.au"
		cfg.Catalog.Contact.Phone = "+61 2 6249 9966"
		cfg.Catalog.Contact.URL = "http://www.ga.gov.au"
	}
	if cfg.Catalog.Provider.Name == "" {
		cfg.Catalog.Provider.Name = "Geoscience Australia"
	}
	if cfg.Catalog.Provider.Scheme == "" {
		cfg.Catalog.Provider.Scheme = "s3"
		cfg.Catalog.Provider.Region = "ap-southeast-2"
	}
	if cfg.Execution.JobTimeout == 0 {
		cfg.Execution.JobTimeout = 3600 * time.Second
	}
	if cfg.Execution.StepTimeout == 0 {
		cfg.Execution.StepTimeout = 1800 * time.Second
	}
	if cfg.Execution.SkipConverted == nil {
		skip := true
		cfg.Execution.SkipConverted = &skip
	}
	if cfg.Execution.FileGlob == "" {
		cfg.Execution.FileGlob = "*.nc"
	}
	if len(cfg.Sync.Exclude) == 0 {
		cfg.Sync.Exclude = []string{"*.yaml", "*.xml"}
	}
	if cfg.Sync.UploadTimeout == 0 {
		cfg.Sync.UploadTimeout = 30 * time.Minute
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/cogstac.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Scheduler.BatchInterval == 0 {
		cfg.Scheduler.BatchInterval = 30 * time.Second
	}
	if cfg.Watcher.Debounce == 0 {
		cfg.Watcher.Debounce = 500 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads .env files and the YAML config, then applies environment overrides
func LoadFromEnv(path string) (*Config, error) {
	// Missing .env files are fine
	_ = godotenv.Load(".env.local", ".env")

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"COGSTAC_SOURCE":   &cfg.Paths.Source,
		"COGSTAC_OUTPUT":   &cfg.Paths.Output,
		"COGSTAC_BASE_URL": &cfg.Catalog.BaseURL,
		"COGSTAC_PRODUCT":  &cfg.Catalog.Product,
		"COGSTAC_REMOTE":   &cfg.Sync.Remote,
		"DB_PATH":          &cfg.Database.Path,
		"MINIO_ENDPOINT":   &cfg.Sync.Endpoint,
		"MINIO_ACCESS_KEY": &cfg.Sync.AccessKey,
		"MINIO_SECRET_KEY": &cfg.Sync.SecretKey,
		"LOG_LEVEL":        &cfg.Logging.Level,
	}
	for key, target := range overrides {
		if val := os.Getenv(key); val != "" {
			*target = val
		}
	}

	if logDir := os.Getenv("LOG_DIR"); logDir != "" {
		cfg.Paths.LogDir = logDir
		cfg.Paths.AppLog = filepath.Join(logDir, "app.log")
	}
	if maxRunning := os.Getenv("MAX_RUNNING"); maxRunning != "" {
		if val, err := strconv.Atoi(maxRunning); err == nil && val > 0 {
			cfg.Execution.MaxConcurrency = val
		}
	}
	if useSSL := os.Getenv("MINIO_USE_SSL"); useSSL != "" {
		cfg.Sync.UseSSL = strings.EqualFold(useSSL, "true") || useSSL == "1"
	}

	return cfg, nil
}

// SkipConverted reports whether already converted tiles are skipped by default
func (cfg *Config) SkipConverted() bool {
	return cfg.Execution.SkipConverted == nil || *cfg.Execution.SkipConverted
}

// Validate checks the settings a conversion run cannot do without
func (cfg *Config) Validate() error {
	var missing []string
	if cfg.Paths.Source == "" {
		missing = append(missing, "source")
	}
	if cfg.Paths.Output == "" {
		missing = append(missing, "output")
	}
	if cfg.Catalog.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if cfg.Catalog.Product == "" {
		missing = append(missing, "product")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", models.ErrInvalidConfiguration, strings.Join(missing, ", "))
	}
	if cfg.Execution.MaxConcurrency < 0 {
		return fmt.Errorf("%w: max_concurrency must not be negative", models.ErrInvalidConfiguration)
	}
	if cfg.Sync.Enabled && cfg.Sync.Remote == "" {
		return fmt.Errorf("%w: sync enabled without remote", models.ErrInvalidConfiguration)
	}
	return nil
}
