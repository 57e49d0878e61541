package symstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testKey = Key{PDBName: "ntkrnlmp.pdb", GUIDAge: "1C9875F76C8F0FBF3EB9A9D7C1C274061"}

func TestFetchDownloadsAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/ntkrnlmp.pdb/1C9875F76C8F0FBF3EB9A9D7C1C274061/ntkrnlmp.pdb" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("pdb-bytes"))
	}))
	defer srv.Close()

	cache := t.TempDir()
	s := New(Config{BaseURL: srv.URL, CacheDir: cache, RateLimit: 100, Logger: zaptest.NewLogger(t)})

	data, err := s.Fetch(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "pdb-bytes", string(data))

	cached, err := os.ReadFile(filepath.Join(cache, "ntkrnlmp.pdb", testKey.GUIDAge, "ntkrnlmp.pdb"))
	require.NoError(t, err)
	assert.Equal(t, data, cached)

	_, err = s.Fetch(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchFilePtr(t *testing.T) {
	local := filepath.Join(t.TempDir(), "kernel.pdb")
	require.NoError(t, os.WriteFile(local, []byte("from-share"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if filepath.Base(r.URL.Path) == "file.ptr" {
			w.Write([]byte("PATH:" + local + "\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, RateLimit: 100})
	data, err := s.Fetch(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "from-share", string(data))
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, RateLimit: 100})
	_, err := s.Fetch(context.Background(), testKey)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Fetch(context.Background(), Key{PDBName: "../etc", GUIDAge: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, RateLimit: 100})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Fetch(ctx, testKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, RateLimit: 100, MaxSize: 16})
	_, err := s.Fetch(context.Background(), testKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ntkrnlmp.pdb"), []byte("flat"), 0o644))
	data, err := Dir(dir).Fetch(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "flat", string(data))

	_, err = Dir(dir).Fetch(context.Background(), Key{PDBName: "other.pdb", GUIDAge: "1"})
	assert.ErrorIs(t, err, ErrNotFound)
}
