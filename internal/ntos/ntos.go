// Package ntos walks Windows kernel objects in physical memory: the active
// process list, loader module lists and per-process thread lists, and reads
// and writes process virtual memory.
package ntos

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ntwalk/internal/kernel"
	"ntwalk/internal/offsets"
	"ntwalk/internal/phys"
	"ntwalk/internal/resolve"
	"ntwalk/internal/vat"
)

var (
	ErrInvalidConfig    = errors.New("ntos: invalid config")
	ErrTraversalOverrun = errors.New("ntos: traversal overrun")
	ErrBadNode          = errors.New("ntos: bad list node")
	ErrProcessNotFound  = errors.New("ntos: process not found")
	ErrNoPEB            = errors.New("ntos: process has no PEB")
)

// Kernel is an opened kernel: its location, build and offset table. It holds
// no cached kernel state and is safe for concurrent use.
type Kernel struct {
	conn    phys.Reader
	info    *kernel.Info
	offs    *offsets.Table
	resolve *resolve.Result
	cfg     Config
	log     *zap.Logger
}

// Open locates the kernel behind conn and resolves its offsets. It fails as
// a whole: no Kernel is returned unless both steps succeed.
func Open(ctx context.Context, conn phys.Reader, cfg *Config) (*Kernel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	hints := cfg.Hints
	if hints.Logger == nil {
		hints.Logger = log
	}
	info, err := kernel.Locate(ctx, conn, hints)
	if err != nil {
		return nil, err
	}

	r := cfg.Resolver
	if r == nil {
		db, err := offsets.Builtin()
		if err != nil {
			return nil, err
		}
		r, err = resolve.New(resolve.Config{Database: db, Logger: log, Metrics: cfg.Metrics})
		if err != nil {
			return nil, err
		}
	}
	res, err := r.Resolve(ctx, info)
	if err != nil {
		return nil, err
	}
	k, err := New(conn, info, res.Table, cfg)
	if err != nil {
		return nil, err
	}
	k.resolve = res
	return k, nil
}

// New builds a Kernel from an already located kernel and offset table.
func New(conn phys.Reader, info *kernel.Info, table *offsets.Table, cfg *Config) (*Kernel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if missing := table.Missing(offsets.Required); len(missing) > 0 {
		return nil, &resolve.IncompleteOffsetsError{Key: info.Build.Key(), Missing: missing}
	}
	if table.Arch() != info.StartBlock.Arch {
		return nil, fmt.Errorf("ntos: offsets are for %s, kernel is %s", table.Arch(), info.StartBlock.Arch)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Kernel{conn: conn, info: info, offs: table, cfg: *cfg, log: log.Named("ntos")}, nil
}

// Info returns the located kernel.
func (k *Kernel) Info() *kernel.Info { return k.info }

// Build returns the kernel build identifier.
func (k *Kernel) Build() kernel.BuildID { return k.info.Build }

// Offsets returns the offset table in use.
func (k *Kernel) Offsets() *offsets.Table { return k.offs }

// Resolution returns the resolution trace, nil when the Kernel was built with New.
func (k *Kernel) Resolution() *resolve.Result { return k.resolve }

// KernelSpace returns the kernel address space.
func (k *Kernel) KernelSpace() vat.Space { return k.info.Space }

func (k *Kernel) ptrSize() uint64 { return uint64(k.offs.PointerSize()) }

func (k *Kernel) off(name string) uint64 { return k.offs.Get(name) }

func (k *Kernel) need(fields []string) error {
	if missing := k.offs.Missing(fields); len(missing) > 0 {
		return &resolve.IncompleteOffsetsError{Key: k.info.Build.Key(), Missing: missing}
	}
	return nil
}
