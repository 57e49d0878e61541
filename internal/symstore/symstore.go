// Package symstore fetches PDB files from a Microsoft-style symbol server,
// caching them on disk.
package symstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultURL is the public Microsoft symbol server.
const DefaultURL = "https://msdl.microsoft.com/download/symbols"

var (
	ErrNotFound = errors.New("symstore: symbols not found")
	ErrTooLarge = errors.New("symstore: download exceeds size limit")
)

// Key identifies one PDB on the server: its file name and GUID+age.
type Key struct {
	PDBName string
	GUIDAge string
}

func (k Key) String() string { return k.PDBName + "/" + k.GUIDAge }

func (k Key) valid() bool {
	clean := func(s string) bool {
		return s != "" && !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
	}
	return clean(k.PDBName) && clean(k.GUIDAge)
}

// Fetcher returns the PDB bytes for a key.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) ([]byte, error)
}

// Config controls a Store.
type Config struct {
	BaseURL   string
	CacheDir  string // "" disables the disk cache
	RateLimit float64
	RateBurst int
	Timeout   time.Duration
	MaxSize   int64
	Client    *http.Client
	Logger    *zap.Logger
}

// DefaultConfig returns the public server with a cache under the user cache
// directory.
func DefaultConfig() Config {
	cache := ""
	if dir, err := os.UserCacheDir(); err == nil {
		cache = filepath.Join(dir, "ntwalk", "symbols")
	}
	return Config{
		BaseURL:   DefaultURL,
		CacheDir:  cache,
		RateLimit: 2,
		RateBurst: 4,
		Timeout:   2 * time.Minute,
		MaxSize:   256 << 20,
	}
}

// Store is an HTTP symbol server client. It is safe for concurrent use.
type Store struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New returns a Store. Zero fields in cfg take DefaultConfig values, except
// CacheDir.
func New(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:  logger.Named("symstore"),
	}
}

func (s *Store) cachePath(key Key) string {
	return filepath.Join(s.cfg.CacheDir, key.PDBName, key.GUIDAge, key.PDBName)
}

// Fetch returns the PDB for key from the cache or the server.
func (s *Store) Fetch(ctx context.Context, key Key) ([]byte, error) {
	if !key.valid() {
		return nil, fmt.Errorf("%w: invalid key %q", ErrNotFound, key.String())
	}
	if s.cfg.CacheDir != "" {
		if data, err := os.ReadFile(s.cachePath(key)); err == nil {
			s.logger.Debug("symbols from cache", zap.String("key", key.String()))
			return data, nil
		}
	}

	data, err := s.download(ctx, key)
	if err != nil {
		return nil, err
	}

	if s.cfg.CacheDir != "" {
		if err := s.store(key, data); err != nil {
			s.logger.Warn("symbol cache write failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return data, nil
}

func (s *Store) store(key Key, data []byte) error {
	path := s.cachePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) download(ctx context.Context, key Key) ([]byte, error) {
	base := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/" + key.PDBName + "/" + key.GUIDAge + "/"
	data, err := s.get(ctx, base+key.PDBName)
	if err == nil {
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	s.logger.Debug("pdb download failed, trying file.ptr", zap.String("key", key.String()), zap.Error(err))

	ptr, perr := s.get(ctx, base+"file.ptr")
	if perr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, key, err)
	}
	return s.followPointer(key, ptr)
}

// followPointer resolves a file.ptr body. "PATH:" names a file the server
// expects the client to read itself; "MSG:" carries an error.
func (s *Store) followPointer(key Key, ptr []byte) ([]byte, error) {
	body := strings.TrimSpace(string(ptr))
	switch {
	case strings.HasPrefix(body, "PATH:"):
		path := strings.TrimPrefix(body, "PATH:")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: file.ptr target: %w", ErrNotFound, key, err)
		}
		return data, nil
	case strings.HasPrefix(body, "MSG:"):
		return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, key, strings.TrimPrefix(body, "MSG:"))
	}
	return nil, fmt.Errorf("%w: %s: unrecognized file.ptr", ErrNotFound, key)
}

func (s *Store) get(ctx context.Context, url string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("symstore: rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("symstore: request: %w", err)
	}
	req.Header.Set("User-Agent", "Microsoft-Symbol-Server/10.0.0.0")
	s.logger.Info("downloading symbols", zap.String("url", url))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("symstore: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, url, resp.Status)
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, s.cfg.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("symstore: read %s: %w", url, err)
	}
	if n > s.cfg.MaxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, url)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, fmt.Errorf("symstore: %s: short body %d of %d", url, n, resp.ContentLength)
	}
	return buf.Bytes(), nil
}

// Dir is a Fetcher over a local directory laid out like the server
// (<dir>/<pdb>/<guidage>/<pdb>), or holding <dir>/<pdb> directly.
type Dir string

// Fetch implements Fetcher.
func (d Dir) Fetch(ctx context.Context, key Key) ([]byte, error) {
	if !key.valid() {
		return nil, fmt.Errorf("%w: invalid key %q", ErrNotFound, key.String())
	}
	for _, p := range []string{
		filepath.Join(string(d), key.PDBName, key.GUIDAge, key.PDBName),
		filepath.Join(string(d), key.PDBName),
	} {
		if data, err := os.ReadFile(p); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, key, string(d))
}
