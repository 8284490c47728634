package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimasry/otsync/backend"
	"github.com/alimasry/otsync/config"
	"github.com/alimasry/otsync/pubsub"
	"github.com/alimasry/otsync/server"
	"github.com/alimasry/otsync/store"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides the config file)")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal(err)
	}

	b, err := backend.New(backend.Options{
		DB:               db,
		PubSub:           pubsub.NewMemory(),
		MaxSubmitRetries: cfg.Backend.MaxSubmitRetries,
		SuppressPublish:  cfg.Backend.SuppressPublish,
		DoNotCommitNoOps: cfg.Backend.DoNotCommitNoOps,
		PollDebounce:     cfg.Backend.PollDebounce,
		Registerer:       prometheus.DefaultRegisterer,
	})
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range cfg.Projections {
		if err := b.AddProjection(p.Name, p.Collection, p.FieldMap()); err != nil {
			log.Fatal(err)
		}
	}

	hub := server.NewHub(b)
	go hub.Run()

	mux := http.NewServeMux()
	mux.Handle("/", server.NewHandler(hub))
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Printf("Starting server on %s (store: %s)", cfg.Addr, cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	hub.Stop()
	if err := b.Close(); err != nil {
		log.Printf("backend close: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Store) (store.DB, error) {
	var db store.DB
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		db = s
	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		db = store.NewFirestoreStore(client)
	default:
		db = store.NewMemoryStore()
	}
	if cfg.CacheTTL > 0 {
		db = store.NewCachedStore(db, cfg.CacheTTL)
	}
	return db, nil
}
