package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"printer_link/internal/config"
	"printer_link/internal/handlers"
	"printer_link/internal/hub"
	"printer_link/internal/logger"
	"printer_link/internal/repository"
	"printer_link/internal/repository/db"
	"printer_link/internal/server"
	"printer_link/internal/service"
	"printer_link/internal/simulator"
	"printer_link/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load("configs", ".env")
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}
	log := logger.Get(cfg.LogLevel)

	sqlDB, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err, "path", cfg.DB.Path)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	if err := os.MkdirAll(cfg.Files.Dir, 0o755); err != nil {
		log.Fatalw("failed to create gcode dir", "err", err, "dir", cfg.Files.Dir)
	}

	observers := hub.New(cfg.Hub.QueueSize, log.Named("hub"))
	services := newServices(cfg, repository.NewRepository(sqlDB), observers, log)
	apiHandler := handlers.NewHandler(services, log.Named("http"))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		services.Run(ctx)
	}()

	srv := &server.Server{}
	runHTTPServer(srv, cfg.Port, apiHandler, log)

	waitForShutdown(cancel, srv, log)
	wg.Wait()
	// Hijacked /ws connections outlive srv.Shutdown; closing the hub ends them.
	observers.Close()
	log.Infow("printer link stopped")
}

// newServices builds the serial transport and the services from cfg.
func newServices(cfg *config.Config, repos *repository.Repository, observers *hub.Hub, log *logger.Logger) *service.Service {
	tr := transport.New(transport.Config{
		Device:         cfg.Serial.Device,
		Baud:           cfg.Serial.Baud,
		ConnectTimeout: cfg.Serial.ConnectTimeout,
		ReadTimeout:    cfg.Serial.ReadTimeout,
		WriteTimeout:   cfg.Serial.WriteTimeout,
		LockDir:        cfg.Serial.LockDir,
	},
		transport.WithOpener("sim", simulator.Options{Tools: cfg.Printer.Tools}.Open),
		transport.WithLogger(log.Named("serial")),
	)

	return service.NewService(repos, service.Options{
		Printer: service.PrinterOptions{
			Tools:            cfg.Printer.Tools,
			BufferCapacity:   cfg.Printer.BufferCapacity,
			BacklogSize:      cfg.Printer.BacklogSize,
			AckTimeout:       cfg.Printer.AckTimeout,
			LineNumbers:      cfg.Printer.LineNumbers,
			PollInterval:     cfg.Printer.TempPollInterval,
			HeatingTolerance: cfg.Printer.HeatingTolerance,
			Backoff: service.Backoff{
				Initial: cfg.Reconnect.Initial,
				Max:     cfg.Reconnect.Max,
				Factor:  cfg.Reconnect.Factor,
				Jitter:  cfg.Reconnect.Jitter,
			},
		},
		Connector:  service.TransportConnector(tr),
		Hub:        observers,
		FilesDir:   cfg.Files.Dir,
		DBTimeout:  cfg.DB.OpTimeout,
		SigningKey: cfg.Auth.SigningKey,
		TokenTTL:   cfg.Auth.TokenTTL,
		Log:        log,
	})
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		log.Infow("http_listening", "port", port)
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then stops the printer
// link and drains HTTP requests.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
}
