// Package imagecache loads product images through a two-level cache: a
// byte-budgeted in-memory LRU in front of a size-bounded disk directory.
//
// The memory budget is a fraction of the memory available when the loader is
// created. The disk budget is an absolute byte count; once exceeded, the
// least recently used files are removed.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMemoryFraction is the share of available memory used for images.
	DefaultMemoryFraction = 0.3
	// DefaultDiskBytes is the disk cache budget (1 GiB).
	DefaultDiskBytes = 1 << 30
	// DefaultDirName is created under os.TempDir when Config.Dir is empty.
	DefaultDirName = "image_cache"
	// DefaultDownloadTimeout bounds a shared download.
	DefaultDownloadTimeout = 30 * time.Second

	maxMemoryEntries = 1 << 16
	bloomCapacity    = 100_000
	bloomFPR         = 0.01
)

// Downloader fetches the raw bytes of an absolute URL.
type Downloader interface {
	Download(ctx context.Context, rawURL string) ([]byte, error)
}

// Config controls cache budgets and location.
type Config struct {
	// MemoryFraction of currently available memory, in (0, 1].
	MemoryFraction float64
	// MemoryBytes overrides MemoryFraction when positive.
	MemoryBytes int64
	// DiskBytes bounds the disk directory. Zero disables the disk level.
	DiskBytes int64
	// Dir is the disk cache directory.
	Dir string
	// DownloadTimeout bounds a download shared by concurrent callers.
	// Defaults to DefaultDownloadTimeout.
	DownloadTimeout time.Duration
}

// Image is a loaded image and its sniffed content type.
type Image struct {
	Data        []byte
	ContentType string
}

// Stats is a snapshot of cache usage.
type Stats struct {
	MemoryBytes  int64
	MemoryBudget int64
	DiskBytes    int64
	DiskBudget   int64
	MemoryHits   int64
	DiskHits     int64
	Downloads    int64
}

// Loader serves images from memory, disk or network, in that order.
type Loader struct {
	src     Downloader
	group   singleflight.Group
	timeout time.Duration

	// mu guards memUsed and serializes mutations of mem; the LRU eviction
	// callback runs with mu held.
	mu        sync.Mutex
	mem       *lru.Cache[string, []byte]
	memUsed   int64
	memBudget int64

	disk *diskCache

	memHits   atomic.Int64
	diskHits  atomic.Int64
	downloads atomic.Int64
}

// New creates a Loader. It measures available memory once, to size the
// memory level, and indexes the existing disk directory.
func New(ctx context.Context, src Downloader, cfg Config) (*Loader, error) {
	memBudget, err := memoryBudget(ctx, cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	l := &Loader{src: src, memBudget: memBudget, timeout: timeout}
	l.mem, err = lru.NewWithEvict[string, []byte](maxMemoryEntries, func(_ string, v []byte) {
		l.memUsed -= int64(len(v))
	})
	if err != nil {
		return nil, errors.Wrap(err, "create memory cache")
	}

	if cfg.DiskBytes > 0 {
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), DefaultDirName)
		}
		l.disk, err = openDisk(dir, cfg.DiskBytes)
		if err != nil {
			return nil, err
		}
	}

	zctx.From(ctx).Info("Image cache ready",
		zap.Int64("memory_budget", memBudget),
		zap.Int64("disk_budget", cfg.DiskBytes),
		zap.String("dir", l.diskDir()),
	)
	return l, nil
}

func memoryBudget(ctx context.Context, cfg Config) (int64, error) {
	if cfg.MemoryBytes > 0 {
		return cfg.MemoryBytes, nil
	}
	fraction := cfg.MemoryFraction
	if fraction == 0 {
		fraction = DefaultMemoryFraction
	}
	if fraction < 0 || fraction > 1 {
		return 0, errors.Errorf("memory fraction %v out of range (0, 1]", fraction)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read available memory")
	}
	return int64(float64(vm.Available) * fraction), nil
}

// Load returns the image at rawURL. Concurrent loads of the same URL share a
// single download, which is detached from any one caller: a caller whose ctx
// ends gets ctx.Err() while the others keep waiting for the result.
func (l *Loader) Load(ctx context.Context, rawURL string) (Image, error) {
	key := cacheKey(rawURL)

	if data, ok := l.fromMemory(key); ok {
		l.memHits.Add(1)
		return newImage(data), nil
	}

	ch := l.group.DoChan(key, func() (any, error) {
		return l.fetch(context.WithoutCancel(ctx), key, rawURL)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Image{}, errors.Wrap(res.Err, "load image")
		}
		return newImage(res.Val.([]byte)), nil
	case <-ctx.Done():
		return Image{}, errors.Wrap(ctx.Err(), "load image")
	}
}

// fetch fills the cache for key from disk or, failing that, the network.
func (l *Loader) fetch(ctx context.Context, key, rawURL string) ([]byte, error) {
	if l.disk != nil {
		if data, ok := l.disk.get(key); ok {
			l.diskHits.Add(1)
			l.toMemory(key, data)
			return data, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	data, err := l.src.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	l.downloads.Add(1)
	l.toMemory(key, data)
	if l.disk != nil {
		if err := l.disk.put(key, data); err != nil {
			// The image is still served; only persistence failed.
			zctx.From(ctx).Warn("Image disk cache write failed",
				zap.String("url", rawURL),
				zap.Error(err),
			)
		}
	}
	return data, nil
}

// Stats returns current usage counters.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	memUsed := l.memUsed
	l.mu.Unlock()

	s := Stats{
		MemoryBytes:  memUsed,
		MemoryBudget: l.memBudget,
		MemoryHits:   l.memHits.Load(),
		DiskHits:     l.diskHits.Load(),
		Downloads:    l.downloads.Load(),
	}
	if l.disk != nil {
		s.DiskBytes, s.DiskBudget = l.disk.usage()
	}
	return s
}

func (l *Loader) fromMemory(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mem.Get(key)
}

func (l *Loader) toMemory(key string, data []byte) {
	size := int64(len(data))
	if size > l.memBudget {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.mem.Remove(key)
	l.mem.Add(key, data)
	l.memUsed += size
	for l.memUsed > l.memBudget {
		if _, _, ok := l.mem.RemoveOldest(); !ok {
			break
		}
	}
}

func (l *Loader) diskDir() string {
	if l.disk == nil {
		return ""
	}
	return l.disk.dir
}

func newImage(data []byte) Image {
	return Image{Data: data, ContentType: http.DetectContentType(data)}
}

func cacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// newKeyFilter returns the bloom filter used to skip disk lookups for keys
// never written.
func newKeyFilter() *bloom.BloomFilter {
	return bloom.NewWithEstimates(bloomCapacity, bloomFPR)
}
