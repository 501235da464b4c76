package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/tagconsensus/internal/api"
	"github.com/banshee-data/tagconsensus/internal/config"
	"github.com/banshee-data/tagconsensus/internal/consensus"
	"github.com/banshee-data/tagconsensus/internal/db"
	"github.com/banshee-data/tagconsensus/internal/rpc"
	"github.com/banshee-data/tagconsensus/internal/tagging/storage/sqlite"
	"github.com/banshee-data/tagconsensus/internal/version"
)

// components is everything a command needs from an open database.
type components struct {
	db     *db.DB
	store  *sqlite.TagStore
	engine *consensus.Engine
}

func openComponents(cfg *config.Config) (*components, error) {
	database, err := db.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := sqlite.NewTagStore(database.DB, nil)
	return &components{
		db:     database,
		store:  store,
		engine: consensus.New(store, cfg.Consensus),
	}, nil
}

func (c *components) Close() error {
	return c.db.Close()
}

func runServe(cfg *config.Config) error {
	log.Printf("%s starting", version.String())

	comps, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	mux := api.NewServer(comps.store, comps.engine, cfg.RecordConflicts).ServeMux()
	if cfg.DebugRoutes {
		if err := comps.db.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("attach admin routes: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	if cfg.GRPCListen != "" {
		grpcServer := rpc.NewServer(comps.store, comps.engine)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcServer.ListenAndServe(ctx, cfg.GRPCListen); err != nil {
				errc <- fmt.Errorf("gRPC server: %w", err)
				stop()
			}
			log.Printf("gRPC server routine stopped")
		}()
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.LoggingMiddleware(mux),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf("HTTP server listening on %s", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- fmt.Errorf("HTTP server: %w", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}
