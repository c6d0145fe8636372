package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/fakestore-catalog/internal/domain/product"
)

func newUpstream(t *testing.T, imageStatus int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var downloads atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("GET /products", func(w http.ResponseWriter, _ *http.Request) {
		// Products 1 and 3 share an image.
		_, _ = fmt.Fprintf(w, `[
			{"id":1,"title":"Backpack","price":109.95,"image":"%[1]s/img/1.jpg","rating":{"rate":3.9,"count":120}},
			{"id":2,"title":"T-Shirt","price":22.3,"image":"%[1]s/img/2.jpg","rating":{"rate":4.1,"count":259}},
			{"id":3,"title":"Backpack XL","price":119.95,"image":"%[1]s/img/1.jpg","rating":{"rate":4.0,"count":7}}
		]`, srv.URL)
	})
	mux.HandleFunc("GET /img/", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.WriteHeader(imageStatus)
		_, _ = w.Write([]byte("image " + r.URL.Path))
	})
	return srv, &downloads
}

func readExport(t *testing.T, name string) []product.Product {
	t.Helper()
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()

	zr, err := pgzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.NoError(t, zr.Close())

	products, err := product.DecodeList(data)
	require.NoError(t, err)
	return products
}

func TestRun_Export(t *testing.T) {
	srv, downloads := newUpstream(t, http.StatusOK)
	out := filepath.Join(t.TempDir(), "catalog.json.gz")

	err := run(context.Background(), options{
		baseURL:  srv.URL,
		listPath: "products",
		out:      out,
		timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	products := readExport(t, out)
	require.Len(t, products, 3)
	assert.Equal(t, "Backpack", products[0].Title)
	assert.Equal(t, "22.3", products[1].Price.String())
	assert.Equal(t, int64(7), products[2].Rating.Count)
	assert.Zero(t, downloads.Load())
}

func TestRun_WarmImages(t *testing.T) {
	srv, downloads := newUpstream(t, http.StatusOK)
	dir := t.TempDir()
	imagesDir := filepath.Join(dir, "images")

	err := run(context.Background(), options{
		baseURL:     srv.URL,
		listPath:    "products",
		out:         filepath.Join(dir, "catalog.json.gz"),
		imagesDir:   imagesDir,
		diskBytes:   1 << 20,
		concurrency: 2,
		timeout:     5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), downloads.Load())
	entries, err := os.ReadDir(imagesDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRun_ImageFailure(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusNotFound)
	dir := t.TempDir()

	err := run(context.Background(), options{
		baseURL:     srv.URL,
		listPath:    "products",
		out:         filepath.Join(dir, "catalog.json.gz"),
		imagesDir:   filepath.Join(dir, "images"),
		diskBytes:   1 << 20,
		concurrency: 1,
		timeout:     5 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warm images")
}

func TestRun_UpstreamError(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusOK)
	out := filepath.Join(t.TempDir(), "catalog.json.gz")

	err := run(context.Background(), options{
		baseURL:  srv.URL,
		listPath: "missing",
		out:      out,
		timeout:  5 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.NoFileExists(t, out)
}

func TestWriteGzip(t *testing.T) {
	name := filepath.Join(t.TempDir(), "out.json.gz")
	require.NoError(t, writeGzip(name, []byte("[]")))

	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	zr, err := pgzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestWriteGzip_BadPath(t *testing.T) {
	err := writeGzip(filepath.Join(t.TempDir(), "missing", "out.json.gz"), []byte("[]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create file")
}
