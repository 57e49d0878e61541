package resolve

import (
	"context"
	"fmt"

	"ntwalk/internal/kernel"
	"ntwalk/internal/offsets"
	"ntwalk/internal/pdb"
	"ntwalk/internal/symstore"
)

// fromSymbols downloads the kernel PDB and reads the wanted fields from its
// type records. Every failure wraps ErrSymbolUnavailable.
func (r *Resolver) fromSymbols(ctx context.Context, build kernel.BuildID, want []string) (map[string]uint32, error) {
	if !build.HasSymbols() {
		return nil, fmt.Errorf("%w: kernel has no codeview record", ErrSymbolUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SymbolTimeout)
	defer cancel()

	data, err := r.cfg.Fetcher.Fetch(ctx, symstore.Key{PDBName: build.PDBName, GUIDAge: build.GUIDAge})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSymbolUnavailable, err)
	}
	f, err := pdb.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSymbolUnavailable, err)
	}
	if got := f.GUIDAge(); got != build.GUIDAge {
		return nil, fmt.Errorf("%w: pdb is %s, kernel wants %s", ErrSymbolUnavailable, got, build.GUIDAge)
	}
	return SymbolOffsets(f, want), nil
}

// SymbolOffsets reads the named fields from f. Fields the PDB does not
// describe are left out.
func SymbolOffsets(f *pdb.File, fields []string) map[string]uint32 {
	out := make(map[string]uint32, len(fields))
	for _, name := range fields {
		ref, ok := offsets.Symbols[name]
		if !ok {
			continue
		}
		for _, m := range ref.Members {
			if off, err := f.Offset(ref.Struct, m); err == nil {
				out[name] = off
				break
			}
		}
	}
	return out
}
