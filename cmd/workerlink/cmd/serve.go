package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/workerlink/pkg/api"
	"github.com/psantana5/workerlink/pkg/config"
	"github.com/psantana5/workerlink/pkg/launcher"
	"github.com/psantana5/workerlink/pkg/logging"
	"github.com/psantana5/workerlink/pkg/metrics"
	"github.com/psantana5/workerlink/pkg/models"
	"github.com/psantana5/workerlink/pkg/registry"
	"github.com/psantana5/workerlink/pkg/shutdown"
	"github.com/psantana5/workerlink/pkg/supervisor"
	"github.com/psantana5/workerlink/pkg/transport/httprpc"
)

var (
	serveListen   string
	serveStartAll bool
	serveLogLevel string
	serveLogJSON  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor daemon",
	Long: `Runs the workerlink daemon: supervises the workers declared in the
config file and exposes the control-plane API for the other commands.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", ":7070", "control-plane listen address")
	serveCmd.Flags().BoolVar(&serveStartAll, "start-all", false, "start every configured service at boot")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	serveCmd.Flags().BoolVar(&serveLogJSON, "log-json", false, "log in JSON format")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logging.NewFileLogger("daemon", logging.ParseLevel(serveLogLevel), serveLogJSON)
	if err != nil {
		logger = logging.New(logging.ParseLevel(serveLogLevel), serveLogJSON)
	}
	defer logger.Close()

	collector := metrics.New()

	manager := supervisor.NewManager(supervisor.Options{
		Registry:  registry.NewViperRegistry(viper.GetViper()),
		Config:    config.NewViperSource(viper.GetViper()),
		Transport: httprpc.NewClient(logger),
		Launcher:  launcher.New(logger),
		Logger:    logger,
		Metrics:   collector,
	})

	handler := api.NewHandler(manager, collector, logger)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         serveListen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // calls can be slow, do not cut them off early
		IdleTimeout:  60 * time.Second,
	}

	sm := shutdown.New(30*time.Second, logger)
	sm.Register(func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
	sm.Register(func(ctx context.Context) error {
		manager.StopAll()
		return nil
	})

	if serveStartAll {
		for _, name := range viper.GetStringSlice("services") {
			identity := models.Identity(name)
			if err := manager.Start(cmd.Context(), identity); err != nil {
				logger.Error("failed to start service", map[string]interface{}{
					"worker": name,
					"error":  err.Error(),
				})
			}
		}
	}

	go func() {
		logger.Info("control plane listening", map[string]interface{}{"addr": serveListen})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(fmt.Sprintf("control plane failed: %v", err))
		}
	}()

	sm.Wait()
	sm.Shutdown()
	return nil
}
