// Command pomaid wires one shard's DbSlice, eviction policy, tiered
// backend, journal, snapshot producer, pub/sub store and admin HTTP
// surface together, then runs the heartbeat loop (spec.md §4.C's
// "per-heartbeat" eviction/expiration sweeps) until signalled to stop.
//
// Grounded on the teacher's cmd/server/main.go: godotenv-then-flags
// configuration, a ticker-driven background sweep goroutine, an
// http.Server with explicit timeouts, and signal-driven graceful
// shutdown — generalized here onto cobra (per ValentinKolb-dKV's
// cmd/serve/root.go) instead of the stdlib flag package, since cobra is
// already part of this module's command-line stack.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jorge882/dragonfly/internal/adminhttp"
	"github.com/jorge882/dragonfly/internal/config"
	"github.com/jorge882/dragonfly/internal/dbslice"
	"github.com/jorge882/dragonfly/internal/eviction"
	"github.com/jorge882/dragonfly/internal/journal"
	"github.com/jorge882/dragonfly/internal/pubsub"
	"github.com/jorge882/dragonfly/internal/tiered"
)

func main() {
	root := &cobra.Command{
		Use:   "pomaid",
		Short: "DbSlice-style sharded in-memory key-value engine",
		RunE:  run,
	}
	config.BindFlags(root)

	if err := root.Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	config.LoadEnvFiles()
	cfg := config.FromFlags(cmd)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	budget := dbslice.NewMemBudget(cfg.MaxMemory)
	policy := &eviction.Policy{
		Mode:         eviction.CacheMode,
		GrowthMargin: cfg.TableGrowthMargin,
		Metrics:      &eviction.Metrics{},
	}

	var backend tiered.Backend = tiered.NullBackend{}

	slice := dbslice.New(cfg.NumDBs, budget, policy, backend)

	jw, err := journal.NewWriter(filepath.Join(cfg.DataDir, "journal.log"))
	if err != nil {
		return err
	}
	defer jw.Close()
	slice.SetJournal(jw)

	store := pubsub.New(nil, 0)
	slice.SetEvents(store)

	log.Printf("[init] %d databases, memory limit %d bytes, data dir %s", cfg.NumDBs, cfg.MaxMemory, cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admin := adminhttp.NewServer(slice)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      admin.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[init] admin http listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	go heartbeatLoop(ctx, slice, cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	log.Println("bye")
	return nil
}

// heartbeatLoop stands in for the per-shard heartbeat spec.md §4.C
// describes: each tick, every database gets an expire sweep, an eviction
// pass while the shard is over its memory budget, and a slice of
// idle-deferred deletion work.
func heartbeatLoop(ctx context.Context, slice *dbslice.Slice, cfg config.Config) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < cfg.NumDBs; i++ {
				if slice.DB(i) == nil {
					continue
				}
				slice.DeleteExpiredStep(i, int(cfg.MaxEvictionPerHeartbeat))
				if limit := slice.Budget().Limit(); limit > 0 {
					if over := slice.Budget().Used() - limit; over > 0 {
						slice.FreeMemWithEvictionStep(i, over, int(cfg.MaxSegmentToConsider))
					}
				}
				slice.DrainIdleDeletes(i, 64)
			}
		}
	}
}
