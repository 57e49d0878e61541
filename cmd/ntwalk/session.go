package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ntwalk/internal/kernel"
	"ntwalk/internal/metrics"
	"ntwalk/internal/ntfmt"
	"ntwalk/internal/ntos"
	"ntwalk/internal/offsets"
	"ntwalk/internal/output"
	"ntwalk/internal/phys"
	"ntwalk/internal/resolve"
	"ntwalk/internal/symstore"
)

var errNoDump = errors.New("--dump is required")

// session is one opened image with its kernel.
type session struct {
	conn    *phys.File
	kern    *ntos.Kernel
	log     *zap.Logger
	metrics *metrics.Metrics
	format  output.Format
}

func newLogger(v *viper.Viper) (*zap.Logger, error) {
	if v.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// parseAddr accepts decimal or 0x-prefixed hex.
func parseAddr(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return n, nil
}

func hintsFrom(v *viper.Viper) (kernel.Hints, error) {
	var h kernel.Hints
	var err error
	if s := v.GetString("arch"); s != "" {
		if h.Arch, err = offsets.ParseArch(s); err != nil {
			return h, err
		}
	}
	if h.DTB, err = parseAddr(v.GetString("dtb")); err != nil {
		return h, err
	}
	if h.KernelHint, err = parseAddr(v.GetString("kernel-hint")); err != nil {
		return h, err
	}
	if h.KernelBase, err = parseAddr(v.GetString("kernel-base")); err != nil {
		return h, err
	}
	if (h.Arch == offsets.ArchUnknown) != (h.DTB == 0) {
		return h, errors.New("--arch and --dtb must be given together")
	}
	return h, nil
}

func newResolver(v *viper.Viper, log *zap.Logger, m *metrics.Metrics) (*resolve.Resolver, error) {
	db, err := offsets.Load(v.GetStringSlice("offsets-dir")...)
	if err != nil {
		return nil, fmt.Errorf("failed to load offsets database: %w", err)
	}
	cfg := resolve.Config{
		Database:          db,
		SymbolTimeout:     v.GetDuration("symbol-timeout"),
		DisableSignatures: v.GetBool("no-signatures"),
		Logger:            log,
		Metrics:           m,
	}
	if !v.GetBool("no-symbols") {
		sc := symstore.DefaultConfig()
		if u := v.GetString("symbols-url"); u != "" {
			sc.BaseURL = u
		}
		if d := v.GetString("symbols-cache"); d != "" {
			sc.CacheDir = d
		}
		sc.Logger = log
		cfg.Fetcher = symstore.New(sc)
	}
	return resolve.New(cfg)
}

func kernelConfig(v *viper.Viper, log *zap.Logger, m *metrics.Metrics) (*ntos.Config, error) {
	cfg := ntos.DefaultConfig()
	hints, err := hintsFrom(v)
	if err != nil {
		return nil, err
	}
	hints.Logger = log
	cfg.Hints = hints
	if n := v.GetInt("max-processes"); n > 0 {
		cfg.MaxProcesses = n
	}
	if n := v.GetInt("max-modules"); n > 0 {
		cfg.MaxModules = n
	}
	if n := v.GetInt("max-threads"); n > 0 {
		cfg.MaxThreads = n
	}
	if v.GetBool("strict") {
		cfg.Mode = ntfmt.ModeStrict
	}
	cfg.Logger = log
	cfg.Metrics = m
	if cfg.Resolver, err = newResolver(v, log, m); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSession opens the dump and the kernel in it.
func openSession(ctx context.Context, v *viper.Viper) (*session, error) {
	format, err := output.ParseFormat(v.GetString("format"))
	if err != nil {
		return nil, err
	}
	path := v.GetString("dump")
	if path == "" {
		return nil, errNoDump
	}
	log, err := newLogger(v)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	m := metrics.New()
	cfg, err := kernelConfig(v, log, m)
	if err != nil {
		return nil, err
	}

	conn, err := phys.OpenFile(path, v.GetBool("writable"))
	if err != nil {
		return nil, err
	}
	kern, err := ntos.Open(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &session{conn: conn, kern: kern, log: log, metrics: m, format: format}, nil
}

func (s *session) Close() {
	s.conn.Close()
	_ = s.log.Sync()
}

// structured reports whether records should be encoded instead of tabulated.
// Listings carry kernel addresses above the TOML integer range, so they only
// support JSON.
func (s *session) structured() (bool, error) {
	switch s.format {
	case output.FormatJSON:
		return true, nil
	case output.FormatTOML:
		return false, errors.New("toml output is only supported by offsets")
	}
	return false, nil
}

// withSession runs fn against an opened session. With --stats the
// resolution and walk counters are written to stderr afterwards.
func withSession(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, v)
	if err != nil {
		return err
	}
	defer s.Close()
	err = fn(ctx, s)
	if v.GetBool("stats") {
		if serr := s.metrics.WriteSummary(cmd.ErrOrStderr()); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}
