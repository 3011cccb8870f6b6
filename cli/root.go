// Package cli wires the unpackd service together: configuration loading,
// logging, the job and index stores, the background extraction runner, the
// Echo HTTP server, and graceful shutdown.
package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unpackd/unpackd/api"
	"github.com/unpackd/unpackd/archive"
	"github.com/unpackd/unpackd/browse"
	"github.com/unpackd/unpackd/common"
	"github.com/unpackd/unpackd/config"
	httpx "github.com/unpackd/unpackd/http"
	"github.com/unpackd/unpackd/index"
	"github.com/unpackd/unpackd/jobs"
	"github.com/unpackd/unpackd/progress"
	"github.com/unpackd/unpackd/version"
	"github.com/unpackd/unpackd/worker"
)

// cfgFile holds the path passed via --config; empty means the standard
// search locations (see the config package).
var cfgFile string

// RootCmd is the unpackd entry command. Running it starts the HTTP service.
var RootCmd = &cobra.Command{
	Use:   "unpackd",
	Short: "archive upload, safe extraction, and browse service",
	Long: `unpackd accepts untrusted archive uploads, detects their real format
from content bytes, extracts them safely under a per-job directory while
rejecting path-traversal and hostile link entries, indexes the resulting
tree, and serves paginated list, search, preview, and download queries
over HTTP.

Configuration comes from config.yaml, .env, and UNPACKD_* environment
variables, with flags taking precedence.`,
	Version: version.GetVersion(),
	RunE:    runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml and /etc/unpackd)")
	RootCmd.PersistentFlags().String("host", "", "server bind address")
	RootCmd.PersistentFlags().Int("port", 0, "server listen port")
	RootCmd.PersistentFlags().String("upload-dir", "", "directory for stored uploads")
	RootCmd.PersistentFlags().String("extract-root", "", "root directory for extracted trees")
	RootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("server.host", RootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("server.port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("storage.upload_dir", RootCmd.PersistentFlags().Lookup("upload-dir"))
	viper.BindPFlag("storage.extract_root", RootCmd.PersistentFlags().Lookup("extract-root"))
	viper.BindPFlag("logging.level", RootCmd.PersistentFlags().Lookup("log-level"))
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig("UNPACKD", cfgFile)
	if err != nil {
		return err
	}

	// Flags override file and environment values.
	if host := viper.GetString("server.host"); host != "" {
		cfg.Server.Host = host
	}
	if port := viper.GetInt("server.port"); port != 0 {
		cfg.Server.Port = port
	}
	if dir := viper.GetString("storage.upload_dir"); dir != "" {
		cfg.Storage.UploadDir = dir
	}
	if root := viper.GetString("storage.extract_root"); root != "" {
		cfg.Storage.ExtractRoot = root
	}
	if level := viper.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}

	common.ConfigureLogger(common.LoggerConfig{
		Level:  common.LogLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	log := common.ServiceLogger(cfg.Service.Name)

	if err := cfg.Storage.EnsureDirs(); err != nil {
		return err
	}

	jobStore, err := jobs.Open(cfg.Storage.JobsDB)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	indexStore, err := index.OpenStore(cfg.Storage.IndexDB)
	if err != nil {
		return err
	}
	defer indexStore.Close()

	tracker := progress.NewTracker()
	runner := worker.NewRunner(common.Logger)

	handlers := &api.Handlers{
		Config:    cfg,
		Jobs:      jobStore,
		Index:     indexStore,
		Tracker:   tracker,
		Runner:    runner,
		Inspector: archive.NewInspector(cfg.Extract.MaxUploadSize),
		Pipeline: &worker.Pipeline{
			Jobs:      jobStore,
			Index:     indexStore,
			Tracker:   tracker,
			Extractor: archive.NewExtractor(cfg.Extract.ProgressStep),
			Log:       common.Logger,
		},
		Browse: browse.NewService(jobStore, indexStore, browse.Config{
			PageSize:    cfg.Browse.PageSize,
			MaxPageSize: cfg.Browse.MaxPageSize,
			PreviewMax:  cfg.Browse.PreviewMax,
		}),
		Log: common.Logger,
	}

	serverCfg := httpx.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       cfg.Server.BodyLimit,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimit:       cfg.Server.RateLimit,
	}

	e := httpx.NewEchoServer(serverCfg)
	api.SetupRoutes(e, handlers, version.GetVersion())

	go func() {
		if err := httpx.StartServer(e, serverCfg); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()
	log.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("unpackd is ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	// Let in-flight extractions finish before closing the stores; they
	// are not cancellable mid-flight.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := runner.Drain(drainCtx); err != nil {
		log.Warn("Shutdown timed out waiting for running extractions")
	}

	return shutdown(e, serverCfg)
}

func shutdown(e *echo.Echo, cfg httpx.ServerConfig) error {
	return httpx.GracefulShutdown(e, cfg.ShutdownTimeout)
}
