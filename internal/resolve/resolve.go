// Package resolve produces the offset table for a located kernel. Fields
// are taken from the offsets database, then from the kernel's debug symbols,
// then from signature scans, first success per field winning.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ntwalk/internal/kernel"
	"ntwalk/internal/metrics"
	"ntwalk/internal/offsets"
	"ntwalk/internal/sigscan"
	"ntwalk/internal/symstore"
)

var (
	ErrSymbolUnavailable = errors.New("resolve: symbols unavailable")
	ErrIncompleteOffsets = errors.New("resolve: incomplete offsets")
)

// IncompleteOffsetsError lists the fields no source could produce.
type IncompleteOffsetsError struct {
	Key     string
	Missing []string
}

func (e *IncompleteOffsetsError) Error() string {
	return fmt.Sprintf("resolve: incomplete offsets for %s: missing %s", e.Key, strings.Join(e.Missing, ", "))
}

func (e *IncompleteOffsetsError) Is(target error) bool { return target == ErrIncompleteOffsets }

// State is a step of one resolution.
type State string

const (
	StateUnresolved        State = "unresolved"
	StateDatabaseHit       State = "database_hit"
	StateSymbolResolved    State = "symbol_resolved"
	StateSignatureResolved State = "signature_resolved"
	StateResolved          State = "resolved"
	StateFailed            State = "failed"
)

// Step is one recorded transition. Fields are those the step produced.
type Step struct {
	State  State    `json:"state"`
	Fields []string `json:"fields,omitempty"`
	Note   string   `json:"note,omitempty"`
}

// Result is a finished resolution.
type Result struct {
	Key   string
	Table *offsets.Table
	State State
	Trace []Step
}

// Config controls a Resolver.
type Config struct {
	Database *offsets.Database
	// Fetcher supplies PDBs. Nil disables the symbol source.
	Fetcher       symstore.Fetcher
	SymbolTimeout time.Duration
	// Catalog overrides the signature catalog per architecture.
	Catalog           func(offsets.Arch) sigscan.Catalog
	DisableSignatures bool
	CacheSize         int
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

const (
	defaultSymbolTimeout = 30 * time.Second
	defaultCacheSize     = 16
)

// Resolver resolves and caches offset tables. It is safe for concurrent use.
type Resolver struct {
	cfg   Config
	log   *zap.Logger
	cache *lru.Cache[string, *Result]
	group singleflight.Group
}

// New returns a Resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.SymbolTimeout <= 0 {
		cfg.SymbolTimeout = defaultSymbolTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.Catalog == nil {
		cfg.Catalog = sigscan.DefaultCatalog
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[string, *Result](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolve: cache: %w", err)
	}
	return &Resolver{cfg: cfg, log: log.Named("resolve"), cache: cache}, nil
}

// Resolve returns the offset table for the kernel in info. Concurrent calls
// for one build share a single resolution; successful results are cached.
func (r *Resolver) Resolve(ctx context.Context, info *kernel.Info) (*Result, error) {
	key := info.Build.Key()
	if res, ok := r.cache.Get(key); ok {
		r.cfg.Metrics.CacheLookup(true)
		return res, nil
	}
	r.cfg.Metrics.CacheLookup(false)

	v, err, shared := r.group.Do(key, func() (any, error) {
		if res, ok := r.cache.Get(key); ok {
			return res, nil
		}
		res, err := r.resolve(ctx, info)
		if err != nil {
			return res, err
		}
		// A caller deadline may have cost the symbol source; resolve again
		// next time.
		if ctx.Err() == nil {
			r.cache.Add(key, res)
		}
		return res, nil
	})
	if shared {
		r.log.Debug("shared resolution", zap.String("key", key))
	}
	res, _ := v.(*Result)
	return res, err
}

// Forget drops the cached result for key.
func (r *Resolver) Forget(key string) {
	r.cache.Remove(key)
	r.group.Forget(key)
}

// Wanted returns the kernel fields resolution looks for on arch.
func Wanted(arch offsets.Arch) []string {
	fields := offsets.KernelFields()
	if arch.PointerSize() == 4 {
		// 32-bit kernels have no WoW64 subsystem.
		fields = slices.DeleteFunc(fields, func(f string) bool { return f == offsets.EprocessWow64 })
	}
	return fields
}

func (r *Resolver) resolve(ctx context.Context, info *kernel.Info) (*Result, error) {
	start := time.Now()
	key := info.Build.Key()
	res := &Result{Key: key, State: StateUnresolved}
	res.Trace = append(res.Trace, Step{State: StateUnresolved, Note: info.Build.String()})
	log := r.log.With(zap.String("key", key))

	b := offsets.NewBuilder(info.StartBlock.Arch)
	want := Wanted(b.Arch())

	fill := func(state State, src offsets.Source, found map[string]uint32) {
		var got []string
		for _, f := range want {
			off, ok := found[f]
			if ok && b.Fill(f, off, src) {
				got = append(got, f)
				r.cfg.Metrics.FieldResolved(string(src))
			}
		}
		if len(got) > 0 {
			res.State = state
			res.Trace = append(res.Trace, Step{State: state, Fields: got})
		}
		log.Debug("source finished", zap.String("source", string(src)), zap.Strings("fields", got))
	}

	if r.cfg.Database != nil && info.Build.HasSymbols() {
		if e, err := r.cfg.Database.Lookup(key); err == nil {
			fill(StateDatabaseHit, offsets.SourceDatabase, e.Table().KernelFields())
		} else {
			log.Debug("database miss", zap.Error(err))
		}
	}

	if len(b.Missing(want)) > 0 && r.cfg.Fetcher != nil {
		found, err := r.fromSymbols(ctx, info.Build, b.Missing(want))
		if err != nil {
			log.Warn("symbol source failed", zap.Error(err))
			res.Trace = append(res.Trace, Step{State: res.State, Note: err.Error()})
		} else {
			fill(StateSymbolResolved, offsets.SourceSymbols, found)
		}
	}

	if missing := b.Missing(want); len(missing) > 0 && !r.cfg.DisableSignatures {
		found := r.fromSignatures(info, b, missing, log)
		fill(StateSignatureResolved, offsets.SourceSignature, found)
	}

	defer func() { r.cfg.Metrics.Resolution(string(res.State), time.Since(start)) }()

	if missing := b.Missing(offsets.Required); len(missing) > 0 {
		res.State = StateFailed
		step := Step{State: StateFailed, Fields: missing}
		if err := ctx.Err(); err != nil {
			step.Note = "cut short: " + err.Error()
		}
		res.Trace = append(res.Trace, step)
		return res, &IncompleteOffsetsError{Key: key, Missing: missing}
	}
	res.Table = b.Build()
	res.State = StateResolved
	step := Step{State: StateResolved}
	if missing := b.Missing(want); len(missing) > 0 {
		step.Note = "unresolved optional: " + strings.Join(missing, ", ")
	}
	res.Trace = append(res.Trace, step)
	log.Info("offsets resolved", zap.Int("fields", res.Table.Len()),
		zap.Strings("unresolved_optional", b.Missing(want)))
	return res, nil
}
