package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/iamcore/internal/api"
	"github.com/org/iamcore/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type config struct {
	ListenAddr    string `yaml:"listen_addr"`
	TLSCertFile   string `yaml:"tls_cert"`
	TLSKeyFile    string `yaml:"tls_key"`
	DBUrl         string `yaml:"db_url"`
	Issuer        string `yaml:"issuer"`
	TokenValidity string `yaml:"token_validity"`
	RootKey       string `yaml:"root_key"`
	MasterKey     string `yaml:"master_key"`
	MigrationsDir string `yaml:"migrations_dir"`
	LogLevel      string `yaml:"log_level"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("IAM_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:    ":8080",
		Issuer:        "iamcore",
		TokenValidity: "1h",
		MigrationsDir: "migrations",
		LogLevel:      "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("IAM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("IAM_ISSUER"); v != "" {
		cfg.Issuer = v
	}
	if v := os.Getenv("IAM_TOKEN_VALIDITY"); v != "" {
		cfg.TokenValidity = v
	}
	if v := os.Getenv("IAM_ROOT_KEY"); v != "" {
		cfg.RootKey = v
	}
	if v := os.Getenv("IAM_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("IAM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url is required (or set DATABASE_URL)")
	}
	validity, err := time.ParseDuration(cfg.TokenValidity)
	if err != nil || validity <= 0 {
		log.Fatal().Str("token_validity", cfg.TokenValidity).Msg("token_validity must be a positive duration")
	}
	if cfg.RootKey == "" {
		log.Warn().Msg("no root key configured; bootstrap operations require an already-entitled user")
	}

	// Run migrations
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := storage.NewPostgresStore(ctx, cfg.DBUrl)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	srv := api.NewServer(store, api.Config{
		ListenAddr:    cfg.ListenAddr,
		TLSCertFile:   cfg.TLSCertFile,
		TLSKeyFile:    cfg.TLSKeyFile,
		Issuer:        cfg.Issuer,
		TokenValidity: validity,
		RootKey:       cfg.RootKey,
		MasterKey:     []byte(cfg.MasterKey),
	})

	// Ensure a signing key exists before the first token request.
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	err = srv.KeyManager().Bootstrap(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("signing key bootstrap failed")
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server stopped")
		}
	}()
	log.Info().Str("addr", cfg.ListenAddr).Msg("iamcore started")

	<-done
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
