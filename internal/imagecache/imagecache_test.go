package imagecache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

type mockDownloader struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (m *mockDownloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	m.calls.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.files[rawURL]
	if !ok {
		return nil, errors.Errorf("no such image %s", rawURL)
	}
	return data, nil
}

func image(size int) []byte {
	return append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, size-len(pngHeader))...)
}

func TestLoad_DownloadsOnceThenServesFromMemory(t *testing.T) {
	src := &mockDownloader{files: map[string][]byte{"https://fakestoreapi.com/img/1.jpg": image(64)}}
	l, err := New(context.Background(), src, Config{MemoryBytes: 1 << 10})
	require.NoError(t, err)

	img, err := l.Load(context.Background(), "https://fakestoreapi.com/img/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Len(t, img.Data, 64)

	_, err = l.Load(context.Background(), "https://fakestoreapi.com/img/1.jpg")
	require.NoError(t, err)

	assert.Equal(t, int32(1), src.calls.Load())
	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Downloads)
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(64), stats.MemoryBytes)
}

func TestLoad_MemoryBudgetEvictsOldest(t *testing.T) {
	src := &mockDownloader{files: map[string][]byte{
		"a": image(40),
		"b": image(40),
		"c": image(40),
	}}
	l, err := New(context.Background(), src, Config{MemoryBytes: 100})
	require.NoError(t, err)

	for _, u := range []string{"a", "b", "c"} {
		_, err := l.Load(context.Background(), u)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(80), l.Stats().MemoryBytes)

	// "a" was evicted and must be downloaded again; "c" is still cached.
	_, err = l.Load(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())

	_, err = l.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestLoad_OversizedImageSkipsMemory(t *testing.T) {
	src := &mockDownloader{files: map[string][]byte{"big": image(200)}}
	l, err := New(context.Background(), src, Config{MemoryBytes: 100})
	require.NoError(t, err)

	img, err := l.Load(context.Background(), "big")
	require.NoError(t, err)
	assert.Len(t, img.Data, 200)
	assert.Zero(t, l.Stats().MemoryBytes)
}

func TestLoad_DiskSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	src := &mockDownloader{files: map[string][]byte{"https://fakestoreapi.com/img/2.jpg": image(32)}}

	l, err := New(context.Background(), src, Config{MemoryBytes: 1 << 10, DiskBytes: 1 << 20, Dir: dir})
	require.NoError(t, err)
	_, err = l.Load(context.Background(), "https://fakestoreapi.com/img/2.jpg")
	require.NoError(t, err)

	restarted, err := New(context.Background(), src, Config{MemoryBytes: 1 << 10, DiskBytes: 1 << 20, Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, int64(32), restarted.Stats().DiskBytes)

	img, err := restarted.Load(context.Background(), "https://fakestoreapi.com/img/2.jpg")
	require.NoError(t, err)
	assert.Len(t, img.Data, 32)

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, int64(1), restarted.Stats().DiskHits)
}

func TestDisk_PrunesLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	d, err := openDisk(dir, 100)
	require.NoError(t, err)

	require.NoError(t, d.put("old", image(40)))
	require.NoError(t, d.put("mid", image(40)))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old"), past, past))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "mid"), past.Add(time.Minute), past.Add(time.Minute)))

	require.NoError(t, d.put("new", image(40)))

	used, budget := d.usage()
	assert.Equal(t, int64(80), used)
	assert.Equal(t, int64(100), budget)

	_, ok := d.get("old")
	assert.False(t, ok)
	_, ok = d.get("mid")
	assert.True(t, ok)
	_, ok = d.get("new")
	assert.True(t, ok)
}

func TestDisk_OpenRemovesTempFilesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempPrefix+"123"), image(16), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k1"), image(60), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k2"), image(60), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "k1"), past, past))

	d, err := openDisk(dir, 100)
	require.NoError(t, err)

	used, _ := d.usage()
	assert.Equal(t, int64(60), used)
	assert.NoFileExists(t, filepath.Join(dir, tempPrefix+"123"))
	assert.NoFileExists(t, filepath.Join(dir, "k1"))
	assert.FileExists(t, filepath.Join(dir, "k2"))
}

func TestLoad_ConcurrentCallsShareDownload(t *testing.T) {
	src := &mockDownloader{
		files: map[string][]byte{"u": image(16)},
		gate:  make(chan struct{}),
	}
	l, err := New(context.Background(), src, Config{MemoryBytes: 1 << 10})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Load(context.Background(), "u")
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() >= 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	// Goroutines that arrive after the shared download finished are served
	// from memory, so exactly one download happens either way.
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestLoad_CancelledCallerDoesNotFailOthers(t *testing.T) {
	src := &mockDownloader{
		files: map[string][]byte{"u": image(16)},
		gate:  make(chan struct{}),
	}
	l, err := New(context.Background(), src, Config{MemoryBytes: 1 << 10})
	require.NoError(t, err)

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := l.Load(firstCtx, "u")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, 5*time.Second, time.Millisecond)

	type result struct {
		img Image
		err error
	}
	second := make(chan result, 1)
	go func() {
		img, err := l.Load(context.Background(), "u")
		second <- result{img, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(src.gate)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Len(t, res.img.Data, 16)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestLoad_DownloadTimeout(t *testing.T) {
	src := &mockDownloader{
		files: map[string][]byte{"u": image(16)},
		gate:  make(chan struct{}),
	}
	defer close(src.gate)
	l, err := New(context.Background(), src, Config{MemoryBytes: 1 << 10, DownloadTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = l.Load(context.Background(), "u")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoad_DownloadError(t *testing.T) {
	src := &mockDownloader{err: errors.New("upstream 503")}
	l, err := New(context.Background(), src, Config{MemoryBytes: 1 << 10})
	require.NoError(t, err)

	_, err = l.Load(context.Background(), "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 503")
	assert.Zero(t, l.Stats().Downloads)
}

func TestMemoryBudget(t *testing.T) {
	_, err := memoryBudget(context.Background(), Config{MemoryFraction: 1.5})
	require.Error(t, err)

	b, err := memoryBudget(context.Background(), Config{MemoryBytes: 42, MemoryFraction: 1.5})
	require.NoError(t, err)
	assert.Equal(t, int64(42), b)

	b, err = memoryBudget(context.Background(), Config{})
	require.NoError(t, err)
	assert.Positive(t, b)
}
