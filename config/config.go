// Package config loads runtime settings from flags, the environment and an
// optional .env file.
package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrProjectRequired          = errors.New("project ID is required: set GCP_PROJECT_ID or --project")
	ErrLocationRequired         = errors.New("location is required: set BQ_LOCATION or --location")
	ErrTransferWorkersInvalid   = errors.New("transfer workers must be between 1 and 512")
	ErrTransferSlicesInvalid    = errors.New("transfer slices must be between 1 and 64")
	ErrDecompressWorkersInvalid = errors.New("decompress workers must be between 1 and 256")
	ErrLogFormatInvalid         = errors.New("log format must be one of: json, text")
	ErrCleanupTimeoutInvalid    = errors.New("cleanup timeout must be >= 0")
)

type Config struct {
	ProjectID         string
	Location          string
	OutputDir         string
	FieldDelimiter    string
	TransferWorkers   int
	TransferSlices    int
	DecompressWorkers int
	CleanupTimeout    time.Duration
	LogFormat         string
	Debug             bool
	Port              string
	APIKey            string
}

// key -> environment variable.
var envKeys = map[string]string{
	"project":            "GCP_PROJECT_ID",
	"location":           "BQ_LOCATION",
	"output-dir":         "OUTPUT_DIR",
	"field-delimiter":    "FIELD_DELIMITER",
	"transfer-workers":   "TRANSFER_WORKERS",
	"transfer-slices":    "TRANSFER_SLICES",
	"decompress-workers": "DECOMPRESS_WORKERS",
	"cleanup-timeout":    "CLEANUP_TIMEOUT",
	"log-format":         "LOG_FORMAT",
	"debug":              "DEBUG",
	"port":               "PORT",
	"api-key":            "API_KEY",
}

// New returns a viper instance with defaults and environment bindings.
// Variables from a .env file in the working directory are loaded into the
// process environment first; existing variables win.
func New() *viper.Viper {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using system environment variables")
	}

	v := viper.New()
	v.SetDefault("location", "US")
	v.SetDefault("output-dir", ".")
	v.SetDefault("field-delimiter", ",")
	v.SetDefault("transfer-workers", 16)
	v.SetDefault("transfer-slices", 8)
	v.SetDefault("decompress-workers", 8)
	v.SetDefault("cleanup-timeout", time.Minute)
	v.SetDefault("log-format", "json")
	v.SetDefault("debug", false)
	v.SetDefault("port", "8080")

	for key, env := range envKeys {
		_ = v.BindEnv(key, env)
	}
	return v
}

// BindFlags makes flags override environment values for the keys they name.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if _, ok := envKeys[f.Name]; ok {
			errs = append(errs, v.BindPFlag(f.Name, f))
		}
	})
	return errors.Join(errs...)
}

// Load reads the configuration. It does not validate it.
func Load(v *viper.Viper) *Config {
	return &Config{
		ProjectID:         strings.TrimSpace(v.GetString("project")),
		Location:          strings.TrimSpace(v.GetString("location")),
		OutputDir:         v.GetString("output-dir"),
		FieldDelimiter:    v.GetString("field-delimiter"),
		TransferWorkers:   v.GetInt("transfer-workers"),
		TransferSlices:    v.GetInt("transfer-slices"),
		DecompressWorkers: v.GetInt("decompress-workers"),
		CleanupTimeout:    v.GetDuration("cleanup-timeout"),
		LogFormat:         strings.ToLower(v.GetString("log-format")),
		Debug:             v.GetBool("debug"),
		Port:              v.GetString("port"),
		APIKey:            v.GetString("api-key"),
	}
}

// Validate checks the settings the pipeline depends on.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return ErrProjectRequired
	}
	if c.Location == "" {
		return ErrLocationRequired
	}
	if c.TransferWorkers < 1 || c.TransferWorkers > 512 {
		return ErrTransferWorkersInvalid
	}
	if c.TransferSlices < 1 || c.TransferSlices > 64 {
		return ErrTransferSlicesInvalid
	}
	if c.DecompressWorkers < 1 || c.DecompressWorkers > 256 {
		return ErrDecompressWorkersInvalid
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return ErrLogFormatInvalid
	}
	if c.CleanupTimeout < 0 {
		return ErrCleanupTimeoutInvalid
	}
	return nil
}
