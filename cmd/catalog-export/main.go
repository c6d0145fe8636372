// Command catalog-export fetches the product list once and writes it as
// gzip-compressed JSON, optionally warming the image disk cache.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/fakestore-catalog/internal/catalog"
	"github.com/xenking/fakestore-catalog/internal/domain/product"
	"github.com/xenking/fakestore-catalog/internal/imagecache"
)

type options struct {
	baseURL     string
	listPath    string
	out         string
	imagesDir   string
	diskBytes   int64
	concurrency int
	timeout     time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "base-url", catalog.DefaultBaseURL, "catalog API root")
	flag.StringVar(&opts.listPath, "path", "products", "product list path")
	flag.StringVar(&opts.out, "out", "catalog.json.gz", "output file")
	flag.StringVar(&opts.imagesDir, "images", "", "warm the image disk cache in this directory")
	flag.Int64Var(&opts.diskBytes, "images-disk-bytes", 1<<30, "image disk cache size")
	flag.IntVar(&opts.concurrency, "concurrency", 8, "parallel image downloads")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("catalog export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("catalog export completed", slog.String("out", opts.out))
}

func run(ctx context.Context, opts options) error {
	client, err := catalog.NewClient(catalog.ClientConfig{
		BaseURL: opts.baseURL,
		Timeout: opts.timeout,
	})
	if err != nil {
		return errors.Wrap(err, "create client")
	}

	products, err := fetchList(ctx, client, opts.listPath)
	if err != nil {
		return err
	}
	slog.Info("fetched catalog", slog.Int("products", len(products)))

	if err := writeGzip(opts.out, product.MarshalList(products)); err != nil {
		return errors.Wrap(err, "write export")
	}

	if opts.imagesDir == "" {
		return nil
	}
	loader, err := imagecache.New(ctx, client, imagecache.Config{
		// Warm-up only fills the disk level.
		MemoryBytes: 1,
		DiskBytes:   opts.diskBytes,
		Dir:         opts.imagesDir,
	})
	if err != nil {
		return errors.Wrap(err, "open image cache")
	}
	return warmImages(ctx, loader, products, opts.concurrency)
}

// fetchList drives a list store through one load and returns its value.
func fetchList(ctx context.Context, f catalog.Fetcher, path string) ([]product.Product, error) {
	store := catalog.NewListStore(f, catalog.StoreOptions{Name: "export"})
	defer store.Close()

	store.Load(ctx, path)
	st, err := store.Await(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "await catalog")
	}
	products, ok := st.Value()
	if !ok {
		return nil, errors.Errorf("fetch catalog: %s", st.Message())
	}
	return products, nil
}

func writeGzip(name string, data []byte) (rerr error) {
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "create file")
	}
	defer func() {
		if err := f.Close(); err != nil && rerr == nil {
			rerr = errors.Wrap(err, "close file")
		}
	}()

	zw := pgzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		return errors.Wrap(err, "compress")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "flush gzip")
	}
	return nil
}

func warmImages(ctx context.Context, loader *imagecache.Loader, products []product.Product, concurrency int) error {
	seen := make(map[string]struct{}, len(products))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for _, p := range products {
		if p.Image == "" {
			continue
		}
		if _, dup := seen[p.Image]; dup {
			continue
		}
		seen[p.Image] = struct{}{}

		g.Go(func() error {
			if _, err := loader.Load(gctx, p.Image); err != nil {
				return errors.Wrapf(err, "product %d", p.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "warm images")
	}

	st := loader.Stats()
	slog.Info("image cache warmed",
		slog.Int("images", len(seen)),
		slog.Int64("downloads", st.Downloads),
		slog.Int64("disk_bytes", st.DiskBytes),
	)
	return nil
}
