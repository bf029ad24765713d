// Command gojodb-bench drives a synthetic read/write workload against a
// B+Tree index to exercise the buffer pool's eviction behavior under
// load, throttled to a configurable request rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dblab/storagecore/config"
	"github.com/dblab/storagecore/internal/btree"
	"github.com/dblab/storagecore/internal/buffer"
	"github.com/dblab/storagecore/internal/disk"
	"github.com/dblab/storagecore/pkg/logger"
)

func main() {
	dbFile := flag.String("db", "bench.db", "path to the scratch database file")
	configFile := flag.String("config", "", "path to a YAML config file (optional)")
	numKeys := flag.Int("keys", 100_000, "number of distinct keys to insert")
	ratePerSec := flag.Float64("rate", 5000, "requests per second to sustain")
	flag.Parse()

	runID := uuid.New().String()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	log.SetOutput(os.Stderr)

	os.Remove(*dbFile)
	mgr := disk.NewManager(*dbFile)
	if _, err := mgr.OpenOrCreate(true); err != nil {
		log.Fatalf("creating %s: %v", *dbFile, err)
	}
	defer os.Remove(*dbFile)

	pool := buffer.NewPoolManager(mgr, cfg.Storage.PoolSize, cfg.Storage.ReplacerK, zlog, nil)
	tree := btree.New[int64, string](pool, mgr, btree.Options[int64, string]{
		Comparator:      btree.Int64Comparator,
		KeyCodec:        btree.Int64Codec,
		ValueCodec:      btree.FixedStringCodec(64),
		InternalMaxSize: cfg.BTree.InternalMaxSize,
		LeafMaxSize:     cfg.BTree.LeafMaxSize,
		Logger:          zlog,
	})

	limiter := rate.NewLimiter(rate.Limit(*ratePerSec), int(*ratePerSec))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < *numKeys; i++ {
		if err := limiter.Wait(ctx); err != nil {
			log.Fatalf("rate limiter: %v", err)
		}
		if err := tree.Insert(int64(i), fmt.Sprintf("v-%s-%d", runID[:8], i)); err != nil {
			log.Fatalf("insert %d: %v", i, err)
		}
	}
	insertElapsed := time.Since(start)

	start = time.Now()
	hits := 0
	for i := 0; i < *numKeys; i++ {
		if err := limiter.Wait(ctx); err != nil {
			log.Fatalf("rate limiter: %v", err)
		}
		key := int64(rand.Intn(*numKeys))
		if _, err := tree.Get(key); err == nil {
			hits++
		}
	}
	readElapsed := time.Since(start)
	height := tree.Height()

	if err := pool.Close(); err != nil {
		log.Fatalf("closing pool: %v", err)
	}

	fmt.Printf("run=%s keys=%d height=%d insert=%s read=%s hits=%d/%d\n",
		runID, *numKeys, height, insertElapsed, readElapsed, hits, *numKeys)
}
