// Package config loads and validates pipeline configuration from defaults,
// an optional YAML file, PFML_-prefixed environment variables and CLI flags,
// in that precedence order.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/blob"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

const (
	EnvPrefix         = "PFML"
	DefaultConfigName = "pfml-pipeline"

	maxHistoryDateLayout = "2006-01-02"
)

// Config is the unmarshalled configuration before dependency wiring. String
// dates are parsed manually after unmarshal.
type Config struct {
	Verbose bool `mapstructure:"verbose"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Storage struct {
		// Backend selects the blob transport: "local" or "s3".
		Backend string `mapstructure:"backend"`
		Region  string `mapstructure:"region"`
	} `mapstructure:"storage"`

	Claimant PipelineConfig `mapstructure:"claimant"`
	Payment  PipelineConfig `mapstructure:"payment"`

	ErrorReports struct {
		Root      string `mapstructure:"root"`
		Recipient string `mapstructure:"recipient"`
	} `mapstructure:"errorReports"`
}

// PipelineConfig configures one extract pipeline's file intake.
type PipelineConfig struct {
	SourcePrefix string `mapstructure:"sourcePrefix"`
	ArchiveRoot  string `mapstructure:"archiveRoot"`
	// MaxHistoryDate is a YYYY-MM-DD cutoff; date-groups before it are
	// permanently ignored. Empty means no cutoff.
	MaxHistoryDate string `mapstructure:"maxHistoryDate"`
}

// LoadAndValidate loads configuration from all sources, validates the
// merged result and sets up the logger. Returns the populated Config or an
// error; the logger is usable either way.
func LoadAndValidate(cfgFile string, verbose bool, flags *pflag.FlagSet) (Config, *slog.Logger, error) {
	var cfg Config
	v := viper.New()

	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, tempLogger, fmt.Errorf("failed to get user home directory: %w", err)
		}
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(home, ".config", DefaultConfigName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			tempLogger.Debug("no configuration file found, using defaults/env/flags")
		} else {
			used := cfgFile
			if used == "" {
				used = fmt.Sprintf("searched locations for %s.yaml", DefaultConfigName)
			}
			return cfg, tempLogger, fmt.Errorf("error reading config file '%s': %w", used, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, key := range []string{"verbose"} {
			if flag := flags.Lookup(key); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return cfg, tempLogger, fmt.Errorf("error binding flag '--%s': %w", key, err)
				}
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, tempLogger, fmt.Errorf("error unmarshalling configuration: %w", err)
	}

	// Explicit flags win over anything unmarshalled.
	if verbose {
		cfg.Verbose = true
	}

	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if err := validate(&cfg); err != nil {
		return cfg, logger, err
	}

	logger.Debug("configuration loaded",
		slog.String("configFile", v.ConfigFileUsed()),
		slog.Bool("verbose", cfg.Verbose),
		slog.String("storageBackend", cfg.Storage.Backend))

	return cfg, logger, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("verbose", false)
	v.SetDefault("database.dsn", "pfml-pipeline.db")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.region", "")
	v.SetDefault("claimant.maxHistoryDate", "")
	v.SetDefault("payment.maxHistoryDate", "")
	v.SetDefault("errorReports.recipient", "")
}

// validate performs semantic validation on the unmarshalled Config. It
// wraps errors with pipeline.ErrConfigValidation.
func validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required", pipeline.ErrConfigValidation)
	}
	switch cfg.Storage.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("%w: invalid storage.backend '%s' (allowed: local, s3)", pipeline.ErrConfigValidation, cfg.Storage.Backend)
	}
	for name, pc := range map[string]PipelineConfig{"claimant": cfg.Claimant, "payment": cfg.Payment} {
		if pc.MaxHistoryDate != "" {
			if _, err := time.Parse(maxHistoryDateLayout, pc.MaxHistoryDate); err != nil {
				return fmt.Errorf("%w: invalid %s.maxHistoryDate '%s': %w", pipeline.ErrConfigValidation, name, pc.MaxHistoryDate, err)
			}
		}
	}
	return nil
}

// BuildOptions wires the validated Config into runnable pipeline options:
// opens the database, selects the blob transport and constructs the state
// log engine. The returned cleanup closes what was opened.
func BuildOptions(ctx context.Context, cfg Config, logger *slog.Logger) (*pipeline.Options, func() error, error) {
	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return db.Close() }

	var blobStore blob.Store
	switch cfg.Storage.Backend {
	case "s3":
		blobStore, err = blob.NewS3StoreFromEnv(ctx, cfg.Storage.Region)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
	default:
		blobStore = blob.NewLocalStore()
	}

	registry, err := statelog.NewRegistry()
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	claimant, err := intakeConfig(cfg.Claimant, store.ReferenceFileTypeFineosClaimantExtract, pipeline.ClaimantExtractFiles())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	payment, err := intakeConfig(cfg.Payment, store.ReferenceFileTypeFineosPaymentExtract, pipeline.PaymentExtractFiles())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	opts := &pipeline.Options{
		DB:                   db,
		Blob:                 blobStore,
		StateLog:             statelog.NewEngine(registry, logger.Handler()),
		Logger:               logger.Handler(),
		Claimant:             claimant,
		Payment:              payment,
		ErrorReportsRoot:     cfg.ErrorReports.Root,
		ErrorReportRecipient: cfg.ErrorReports.Recipient,
	}
	if err := opts.Validate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return opts, cleanup, nil
}

func intakeConfig(pc PipelineConfig, fileType store.ReferenceFileType, files []pipeline.ExtractFile) (pipeline.IntakeConfig, error) {
	ic := pipeline.IntakeConfig{
		SourcePrefix: pc.SourcePrefix,
		ArchiveRoot:  pc.ArchiveRoot,
		Type:         fileType,
		Files:        files,
	}
	if pc.MaxHistoryDate != "" {
		t, err := time.Parse(maxHistoryDateLayout, pc.MaxHistoryDate)
		if err != nil {
			return ic, fmt.Errorf("%w: invalid maxHistoryDate '%s': %w", pipeline.ErrConfigValidation, pc.MaxHistoryDate, err)
		}
		ic.MaxHistoryDate = t
	}
	return ic, nil
}
