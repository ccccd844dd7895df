// Command depthserve serves monocular depth predictions over HTTP and runs
// evaluation and benchmark jobs in the background.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ticdso/depthserve/app"
	"github.com/ticdso/depthserve/appconfig"
	"github.com/ticdso/depthserve/auth"
	"github.com/ticdso/depthserve/depthsvc"
	"github.com/ticdso/depthserve/downloads"
	"github.com/ticdso/depthserve/evalstore"
	"github.com/ticdso/depthserve/jobqueue"
	"github.com/ticdso/depthserve/runners"
	"github.com/ticdso/depthserve/server"
	"github.com/ticdso/depthserve/stream"
	"github.com/ticdso/depthserve/tasks"
)

func main() {
	var (
		configPath string
		addr       string
	)
	flag.StringVar(&configPath, "config", "", "Path to config.json (default: platform data dir)")
	flag.StringVar(&addr, "addr", "", "Listen address, overrides listenAddr from the config")
	flag.Parse()

	if err := run(configPath, addr); err != nil {
		if app.IsConfigurationError(err) {
			log.Printf("ERROR: %v", err)
			os.Exit(2)
		}
		log.Fatalf("depthserve: %v", err)
	}
}

func loadConfig(path string) (appconfig.Config, error) {
	if path == "" {
		cfg, p, err := appconfig.Load()
		if err == nil {
			log.Printf("Using config file: %s", p)
		}
		return cfg, err
	}
	return appconfig.LoadFrom(path)
}

func run(configPath, addr string) (err error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	logCloser, err := appconfig.SetupLogging(cfg.LogFile)
	if err != nil {
		return err
	}
	var closers app.Closers
	closers.Add(logCloser.Close)
	defer func() {
		if cerr := closers.Close(); cerr != nil {
			log.Printf("Shutdown error: %v", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := app.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	closers.Add(db.Close)

	hub := stream.NewHub()
	closers.Add(func() error {
		log.Println("Shutting down stream connections...")
		hub.Shutdown()
		return nil
	})

	dl := downloads.NewManager(nil, hub)
	if err := app.EnsureModel(ctx, &cfg, dl); err != nil {
		return err
	}
	est, err := app.LoadEstimator(cfg.Model)
	if err != nil {
		return err
	}
	closers.Add(est.Close)

	store, err := app.Artifacts(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}

	svc, err := depthsvc.New(est, depthsvc.Options{Hub: hub, Artifacts: store})
	if err != nil {
		return err
	}

	runs, err := evalstore.New(db)
	if err != nil {
		return err
	}

	log.Println("Initializing job queue with database persistence...")
	queue, err := jobqueue.NewQueueWithDB(db, hub)
	if err != nil {
		return err
	}
	log.Printf("Job queue initialized. Current jobs: %d", len(queue.GetJobs()))

	registry := tasks.Builtin(tasks.Env{
		Estimator:  est,
		Checkpoint: cfg.Model.ModelPath,
		ConfigDir:  cfg.Evaluation.ConfigDir,
		Store:      runs,
		Artifacts:  store,
		Hub:        hub,
		Downloads:  dl,
		ModelDir:   cfg.ModelDir,
	})
	r := runners.New(queue, registry)
	closers.Add(func() error {
		log.Println("Shutting down job runners...")
		r.Shutdown()
		return nil
	})

	var authSvc *auth.Service
	if cfg.Auth.Enabled {
		authSvc, err = auth.NewService(db, cfg.Auth.JWTSecret, auth.DefaultTokenTTL)
		if err != nil {
			return err
		}
		if cfg.Auth.AdminPassword != "" {
			created, err := authSvc.CreateDefaultUser(cfg.Auth.AdminUser, cfg.Auth.AdminPassword)
			if err != nil {
				return err
			}
			if created {
				log.Printf("Created default user %q", cfg.Auth.AdminUser)
			}
		}
	}

	handler := server.New(server.Dependencies{
		Service:        svc,
		Queue:          queue,
		Tasks:          registry,
		Runs:           runs,
		Auth:           authSvc,
		Hub:            hub,
		Runners:        r,
		LegacyInput:    cfg.Legacy.InputImage,
		LegacyOutput:   cfg.Legacy.OutputMat,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Println("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	return nil
}
