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

	"github.com/dd0wney/cluso-lsmfold/pkg/config"
	"github.com/dd0wney/cluso-lsmfold/pkg/fold"
	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
	"github.com/dd0wney/cluso-lsmfold/pkg/lsm"
	"github.com/dd0wney/cluso-lsmfold/pkg/metrics"
	"github.com/dd0wney/cluso-lsmfold/pkg/remote"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	keys := flag.Int("keys", 10000, "Number of keys to write for the demo workload")
	metricsAddr := flag.String("metrics", "", "Address for the Prometheus /metrics endpoint (empty disables)")
	remoteListen := flag.String("remote-listen", "", "Listen address for one remote fold source (empty disables)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	logger := logging.NewDefaultLogger()
	logger.SetLevel(cfg.LogLevel())
	logging.SetDefaultLogger(logger)

	reg := metrics.NewRegistry()
	if *metricsAddr != "" {
		go func() {
			handler := promhttp.HandlerFor(reg.GetPrometheusRegistry(), promhttp.HandlerOpts{})
			http.Handle("/metrics", handler)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("Metrics endpoint failed: %v", err)
			}
		}()
		fmt.Printf("Serving metrics on http://%s/metrics\n", *metricsAddr)
	}

	engine, err := lsm.Open(cfg.EngineOptions(logger, reg))
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Writing %d keys...\n", *keys)
	for i := 0; i < *keys; i++ {
		key := []byte(fmt.Sprintf("key-%08d", i))
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := engine.Put(key, value); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
	}
	// Tombstone every tenth key so the fold has something to suppress
	for i := 0; i < *keys; i += 10 {
		if err := engine.Delete([]byte(fmt.Sprintf("key-%08d", i))); err != nil {
			log.Fatalf("Delete failed: %v", err)
		}
	}
	if err := engine.Flush(); err != nil {
		log.Fatalf("Flush failed: %v", err)
	}

	fmt.Println("Folding the full key range...")
	count := 0
	result, err := engine.RangeFold(ctx, lsm.FoldOptions{
		MaxPerSource: cfg.Fold.MaxPerSource,
	}, func(key, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		log.Fatalf("Range fold failed: %v", err)
	}
	fmt.Printf("  Fold emitted %d results (limited=%v)\n", result.Results, result.Limited)

	if *remoteListen != "" {
		if err := foldRemoteStream(ctx, *remoteListen, logger); err != nil {
			log.Fatalf("Remote fold failed: %v", err)
		}
	}

	snap := engine.Stats()
	fmt.Println("\nEngine stats:")
	fmt.Printf("  writes:      %d\n", snap.WriteCount)
	fmt.Printf("  folds:       %d\n", snap.FoldCount)
	fmt.Printf("  flushes:     %d\n", snap.FlushCount)
	fmt.Printf("  compactions: %d\n", snap.CompactionCount)
	fmt.Printf("  sstables:    %d (%d in level 0)\n", snap.SSTableCount, snap.Level0FileCount)
	fmt.Println("\n✅ Done")
}

// foldRemoteStream listens for one network-pushed source and folds it
// to completion, printing the first few results
func foldRemoteStream(ctx context.Context, addr string, logger logging.Logger) error {
	listener, err := remote.NewListener(addr, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	cons := &printConsumer{}
	coord := fold.NewCoordinator(ctx, cons, fold.Options{Logger: logger})
	src, err := coord.NewSource("remote")
	if err != nil {
		return err
	}
	if err := coord.Initialize([]*fold.Source{src}); err != nil {
		return err
	}

	fmt.Printf("Waiting for a remote source on %s (push frames, then done)...\n", addr)
	go listener.Feed(ctx, src)
	return coord.Wait()
}

type printConsumer struct {
	count int
}

func (p *printConsumer) Result(key, value []byte) {
	p.count++
	if p.count <= 10 {
		fmt.Printf("  remote: %s = %s\n", key, value)
	}
}

func (p *printConsumer) Limit(key []byte) {
	fmt.Printf("  remote stream limited at %s\n", key)
}

func (p *printConsumer) Done() {
	fmt.Printf("  remote stream complete (%d results)\n", p.count)
}
