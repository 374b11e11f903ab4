// pagekv demo CLI
// Exercises Database/Collection end to end against a disk-backed directory
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nainya/pagekv/config"
	"github.com/nainya/pagekv/internal/logger"
	"github.com/nainya/pagekv/internal/metrics"
	"github.com/nainya/pagekv/pkg/engine"
)

var (
	dbDir      = flag.String("db", "pagekv.data", "Database directory path")
	metricsAddr = flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	collection = flag.String("collection", "demo", "Collection name to exercise")
)

func main() {
	flag.Parse()

	log.Printf("pagekv demo")
	log.Printf("Database: %s", *dbDir)

	lg := logger.NewLogger(logger.Config{Level: "info", Pretty: true})
	m := metrics.NewMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx := context.Background()
	cfg := config.Default()
	db, err := engine.Open(ctx, *dbDir, cfg, m, lg)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	col, err := db.Collection(*collection)
	if err != nil {
		col, err = db.CreateCollection(*collection, engine.DefaultKeySize)
		if err != nil {
			log.Fatalf("failed to create collection: %v", err)
		}
	}

	if err := runDemo(ctx, col); err != nil {
		log.Fatalf("demo run failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.Printf("demo complete, serving /metrics on %s (ctrl-C to exit)", *metricsAddr)
	<-sigChan
	log.Println("shutting down gracefully...")
	metricsServer.Close()
}

func runDemo(ctx context.Context, col *engine.Collection) error {
	pairs := map[string]string{
		"apple":  "fruit",
		"carrot": "vegetable",
		"banana": "fruit",
	}
	for k, v := range pairs {
		if err := col.Put(ctx, []byte(k), []byte(v)); err != nil {
			return fmt.Errorf("put %q: %w", k, err)
		}
	}

	for k := range pairs {
		v, found, err := col.Get(ctx, []byte(k))
		if err != nil {
			return fmt.Errorf("get %q: %w", k, err)
		}
		if !found {
			return fmt.Errorf("key %q vanished after put", k)
		}
		log.Printf("%s = %s", k, v)
	}

	log.Printf("scanning in key order:")
	err := col.Scan(ctx, []byte{0x00}, []byte{0xFF}, func(k, v []byte) bool {
		log.Printf("  %s -> %s", k, v)
		return true
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if _, err := col.Delete(ctx, []byte("banana")); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
