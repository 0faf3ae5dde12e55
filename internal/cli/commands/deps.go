package commands

import (
	"crypto/tls"
	"fmt"

	"github.com/leadbase/issuewatch/internal/config"
	"github.com/leadbase/issuewatch/internal/extract"
	"github.com/leadbase/issuewatch/internal/logsource"
	"github.com/leadbase/issuewatch/internal/pattern"
	"github.com/leadbase/issuewatch/internal/reconcile"
	"github.com/leadbase/issuewatch/internal/scanner"
	"github.com/leadbase/issuewatch/internal/store"
	"github.com/leadbase/issuewatch/pkg/mtls"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// pipeline bundles the wired components a command needs.
type pipeline struct {
	cfg       *config.ServerConfig
	logger    *zap.Logger
	registry  *pattern.Registry
	extractor *extract.Extractor
	store     *store.Mongo
	scanner   *scanner.Scanner
	reconcile *reconcile.Reconciler
}

// buildPipeline wires the full production pipeline from a server config
// file, the same way the server binary does.
func buildPipeline(configPath string) (*pipeline, error) {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	registry, err := loadRegistry(cfg.PatternsFile)
	if err != nil {
		return nil, err
	}

	st, err := store.NewMongo(
		cfg.MongoDB.URI,
		cfg.MongoDB.Database,
		cfg.MongoDB.CertificateKeyFile,
		cfg.MongoDB.MaxPoolSize,
		cfg.MongoDB.FixedTTLDays,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}

	var sourceTLS *tls.Config
	if cfg.LogSource.UsesMTLS() {
		sourceTLS, err = mtls.LoadClientTLSConfig(
			cfg.LogSource.CACert,
			cfg.LogSource.ClientCert,
			cfg.LogSource.ClientKey,
			cfg.LogSource.ServerName,
		)
		if err != nil {
			return nil, fmt.Errorf("loading log source TLS config: %w", err)
		}
	}
	source := logsource.NewHTTPSource(cfg.LogSource.URL, cfg.LogSource.Token, sourceTLS, cfg.LogSource.FetchTimeout, logger)
	extractor := extract.New(registry, logger)

	scanCfg := scanner.DefaultConfig()
	scanCfg.PageLimit = cfg.LogSource.PageLimit
	scanCfg.MaxPages = cfg.LogSource.MaxPages
	scanCfg.JobFallbackWindow = cfg.Scanner.JobFallbackWindow

	recCfg := reconcile.DefaultConfig()
	recCfg.PageLimit = cfg.LogSource.PageLimit
	recCfg.MaxPages = cfg.LogSource.MaxPages
	recCfg.FallbackWindow = cfg.Scanner.ReconcileWindow

	return &pipeline{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		extractor: extractor,
		store:     st,
		scanner:   scanner.New(source, extractor, st, st, scanCfg, logger),
		reconcile: reconcile.New(source, extractor, registry, st, st, recCfg, logger),
	}, nil
}

func loadRegistry(patternsFile string) (*pattern.Registry, error) {
	specs := pattern.DefaultSpecs()
	if patternsFile != "" {
		loaded, err := pattern.LoadSpecs(patternsFile)
		if err != nil {
			return nil, err
		}
		specs = loaded
	}
	return pattern.NewRegistry(specs)
}

func newLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}
	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	return loggerConfig.Build()
}
