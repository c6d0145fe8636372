package imagecache

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
)

const tempPrefix = ".tmp-"

// diskCache stores one file per key. Access time is tracked through mtime so
// pruning can drop the least recently used entries first.
type diskCache struct {
	dir    string
	budget int64

	mu     sync.Mutex
	used   int64
	filter *bloom.BloomFilter
}

func openDisk(dir string, budget int64) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create cache dir %s", dir)
	}

	d := &diskCache{dir: dir, budget: budget, filter: newKeyFilter()}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read cache dir %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), tempPrefix) {
			// Left over from an interrupted write.
			_ = os.Remove(filepath.Join(dir, e.Name()))
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		d.used += info.Size()
		d.filter.AddString(e.Name())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pruneLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *diskCache) path(key string) string {
	return filepath.Join(d.dir, key)
}

func (d *diskCache) get(key string) ([]byte, bool) {
	d.mu.Lock()
	known := d.filter.TestString(key)
	d.mu.Unlock()
	if !known {
		return nil, false
	}

	p := d.path(key)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return data, true
}

func (d *diskCache) put(key string, data []byte) error {
	size := int64(len(data))
	if size > d.budget {
		return nil
	}

	tmp, err := os.CreateTemp(d.dir, tempPrefix+"*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp file")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.path(key)
	var prev int64
	if info, err := os.Stat(p); err == nil {
		prev = info.Size()
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "rename into place")
	}
	d.used += size - prev
	d.filter.AddString(key)

	return d.pruneLocked()
}

// pruneLocked removes least recently used files until usage fits the budget.
func (d *diskCache) pruneLocked() error {
	if d.used <= d.budget {
		return nil
	}

	type file struct {
		name  string
		size  int64
		mtime time.Time
	}
	var files []file
	err := filepath.WalkDir(d.dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			if p == d.dir {
				return nil
			}
			return filepath.SkipDir
		}
		if strings.HasPrefix(e.Name(), tempPrefix) {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return nil
		}
		files = append(files, file{name: p, size: info.Size(), mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan cache dir")
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	for _, f := range files {
		if d.used <= d.budget {
			break
		}
		if err := os.Remove(f.name); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", f.name)
		}
		d.used -= f.size
	}
	return nil
}

func (d *diskCache) usage() (used, budget int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used, d.budget
}
