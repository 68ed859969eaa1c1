// Package main runs the PracticeSync local companion process for
// desktop platforms. The desktop client talks to it over REST and
// WebSocket on localhost; it owns the local store, the mutation queue,
// and the background sync engine.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/practicesync/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/practicesync/backend/internal/backup"
	"github.com/kimhsiao/practicesync/backend/internal/config"
	"github.com/kimhsiao/practicesync/backend/internal/crypto"
	"github.com/kimhsiao/practicesync/backend/internal/data"
	"github.com/kimhsiao/practicesync/backend/internal/db"
	"github.com/kimhsiao/practicesync/backend/internal/db/migrations"
	"github.com/kimhsiao/practicesync/backend/internal/logging"
	"github.com/kimhsiao/practicesync/backend/internal/netmon"
	"github.com/kimhsiao/practicesync/backend/internal/queue"
	"github.com/kimhsiao/practicesync/backend/internal/remote"
	"github.com/kimhsiao/practicesync/backend/internal/store"
	enginesync "github.com/kimhsiao/practicesync/backend/internal/sync"
	"github.com/kimhsiao/practicesync/backend/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "practicesync.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logging.Init(os.Stderr, level)
	log := logging.Get().Component("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load configuration", err)
		os.Exit(1)
	}
	if err := cfg.Session.Validate(); err != nil {
		log.Error("invalid session configuration", err)
		os.Exit(1)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		log.Error("open database", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB, migrations.Files)
	if err := migrator.Initialize(); err != nil {
		log.Error("initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		log.Error("apply migrations", err)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	entityStore := store.NewSQLiteStore(database.DB)
	defer entityStore.Close()

	mutationQueue := queue.New(database.DB,
		queue.Backoff{Base: cfg.BackoffBase(), Max: cfg.BackoffMax()},
		cfg.Sync.MaxAttempts)
	// Operations left in flight by a crash go back to pending;
	// idempotency keys make re-delivery safe.
	if _, err := mutationQueue.ResetProcessing(); err != nil {
		log.Error("recover in-flight operations", err)
		os.Exit(1)
	}

	baseURL := cfg.Remote.BaseURL
	if cred, err := repo.GetCredential(); err == nil && cred != nil && cred.BaseURL != "" {
		baseURL = cred.BaseURL
	}
	tokenFn := func() (string, error) {
		cred, err := repo.GetCredential()
		if err != nil || cred == nil {
			return "", err
		}
		return crypto.DecryptToken(cred.TokenEncrypted, cfg.MachineID)
	}
	backend := remote.NewHTTPClient(baseURL, cfg.Remote.ProbePath, tokenFn,
		&http.Client{Timeout: cfg.RemoteTimeout()})

	monitor := netmon.New(backend, cfg.ProbeInterval())
	metrics := telemetry.New()
	hub := NewWSHub()

	service := data.New(entityStore, mutationQueue, backend, monitor, metrics, cfg.Session)
	engine := enginesync.New(mutationQueue, entityStore, backend, monitor, hub, service, metrics,
		enginesync.Options{Concurrency: cfg.Sync.Concurrency})
	service.AttachEngine(engine)

	backupSvc := backup.New(entityStore, mutationQueue, cfg.Session, cfg.MachineID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connectivity transitions drive the UI and kick off a drain as
	// soon as the backend comes back.
	monitor.Subscribe(func(online bool) {
		hub.NetworkChanged(online)
		if online {
			metrics.Online.Set(1)
			go func() {
				if _, err := engine.Drain(ctx, cfg.Session.TenantID); err != nil {
					log.Error("reconnect drain", err)
				}
			}()
		} else {
			metrics.Online.Set(0)
		}
	})
	go monitor.Start(ctx)

	// Periodic safety-net drain for operations whose backoff expired
	// while the connection stayed up.
	if cfg.Sync.PeriodicDrainSeconds > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Sync.PeriodicDrainSeconds) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if !monitor.Online() {
						continue
					}
					if _, err := engine.Drain(ctx, cfg.Session.TenantID); err != nil {
						log.Error("periodic drain", err)
					}
				}
			}
		}()
	}

	if interval := cfg.BackupInterval(); interval > 0 {
		scheduler := backup.NewScheduler(backupSvc, backup.SchedulerConfig{
			Interval:       interval,
			RetentionCount: cfg.Backup.RetentionCount,
			BackupDir:      cfg.Backup.Dir,
			Encrypt:        cfg.Backup.Encrypt,
		})
		go scheduler.Run(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/ws", HandleWebSocket(hub))
	handlers.NewEntityHandler(service).Register(mux)
	handlers.NewSyncHandler(mutationQueue, engine, monitor, repo,
		cfg.Session.TenantID, cfg.MachineID).Register(mux)
	handlers.NewBackupHandler(backupSvc, cfg.Backup.Dir, cfg.Backup.Encrypt).Register(mux)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("practicesync desktop server starting", map[string]interface{}{
		"addr":      cfg.ListenAddr,
		"tenant_id": cfg.Session.TenantID,
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server stopped", err)
		os.Exit(1)
	}
	log.Info("practicesync desktop server stopped")
}
