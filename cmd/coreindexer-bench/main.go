// Command coreindexer-bench drives an Indexer over a synthetic corpus of
// in-memory cores and reports throughput. It exists to exercise the engine
// end to end without a real core implementation on hand.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/elliotnunn/coreindexer"
)

func main() {
	cores := flag.Int("cores", 4, "number of synthetic cores")
	blocksPerCore := flag.Int("blocks", 1000, "blocks appended per core")
	blockSize := flag.Int("blocksize", 256, "bytes per block")
	maxBatch := flag.Int("maxbatch", 100, "Options.MaxBatch")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fakeCores := make([]coreindexer.Core, *cores)
	for i := range fakeCores {
		fakeCores[i] = newFakeCore(byte(i), *blocksPerCore, *blockSize)
	}

	var delivered int64
	var mu sync.Mutex
	started := time.Now()

	ix, err := coreindexer.NewIndexer(coreindexer.Options{
		Cores:      fakeCores,
		StorageDir: mustTempDir(),
		MaxBatch:   *maxBatch,
		Logger:     logger,
		Batch: func(entries []coreindexer.Entry) error {
			mu.Lock()
			delivered += int64(len(entries))
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "coreindexer-bench:", err)
		os.Exit(1)
	}

	if err := ix.Idle(); err != nil {
		fmt.Fprintln(os.Stderr, "coreindexer-bench:", err)
		os.Exit(1)
	}
	elapsed := time.Since(started)

	if err := ix.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "coreindexer-bench:", err)
		os.Exit(1)
	}

	mu.Lock()
	total := delivered
	mu.Unlock()
	fmt.Printf("delivered %d entries across %d cores in %s (%.0f entries/s)\n",
		total, *cores, elapsed, float64(total)/elapsed.Seconds())
}

func mustTempDir() string {
	dir, err := os.MkdirTemp("", "coreindexer-bench-*")
	if err != nil {
		panic(err)
	}
	return dir
}

// fakeCore is a minimal in-memory coreindexer.Core: fully present, fixed
// length, no download events, for throughput measurement only.
type fakeCore struct {
	key    [32]byte
	dkey   [32]byte
	blocks [][]byte
}

func newFakeCore(seed byte, n, blockSize int) *fakeCore {
	c := &fakeCore{blocks: make([][]byte, n)}
	rand.New(rand.NewSource(int64(seed) + 1)).Read(c.key[:])
	for i := range c.dkey {
		c.dkey[i] = c.key[i] ^ 0x5a
	}
	for i := range c.blocks {
		b := make([]byte, blockSize)
		rand.New(rand.NewSource(int64(seed)*1_000_003 + int64(i))).Read(b)
		c.blocks[i] = b
	}
	return c
}

func (c *fakeCore) Ready() error             { return nil }
func (c *fakeCore) Update(wait bool) error   { return nil }
func (c *fakeCore) Length() uint64           { return uint64(len(c.blocks)) }
func (c *fakeCore) Key() [32]byte            { return c.key }
func (c *fakeCore) DiscoveryKey() [32]byte   { return c.dkey }

func (c *fakeCore) Get(index uint64, wait bool) ([]byte, bool, error) {
	if index >= uint64(len(c.blocks)) {
		return nil, false, nil
	}
	return c.blocks[index], true, nil
}

func (c *fakeCore) OnAppend(fn func()) (unsubscribe func())            { return func() {} }
func (c *fakeCore) OnDownload(fn func(index uint64)) (unsubscribe func()) { return func() {} }
func (c *fakeCore) OnClose(fn func()) (unsubscribe func())              { return func() {} }
