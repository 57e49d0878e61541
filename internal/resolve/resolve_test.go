package resolve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ntwalk/internal/kernel"
	"ntwalk/internal/metrics"
	"ntwalk/internal/offsets"
	"ntwalk/internal/pdb"
	"ntwalk/internal/pdb/pdbtest"
	"ntwalk/internal/phys/phystest"
	"ntwalk/internal/sigscan"
	"ntwalk/internal/symstore"
)

type fetchFunc func(ctx context.Context, key symstore.Key) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, key symstore.Key) ([]byte, error) { return f(ctx, key) }

func locate(t *testing.T) *kernel.Info {
	t.Helper()
	k := phystest.BuildKernel(phystest.DefaultSpec())
	info, err := kernel.Locate(context.Background(), k.Machine.Mem, kernel.Hints{})
	require.NoError(t, err)
	return info
}

func kernelPDB(guid [16]byte) []byte {
	return pdbtest.Build(pdbtest.Spec{GUID: guid, Age: 1, Types: []pdbtest.Type{
		{Name: "_LIST_ENTRY", Size: 16, Fields: []pdbtest.Field{{Name: "Flink"}, {Name: "Blink", Offset: 8}}},
		{Name: "_KPROCESS", Size: 0x438, Fields: []pdbtest.Field{{Name: "DirectoryTableBase", Offset: 0x28}}},
		{Name: "_EPROCESS", Size: 0xa40, Fields: []pdbtest.Field{
			{Name: "Pcb"},
			{Name: "UniqueProcessId", Offset: 0x440},
			{Name: "ActiveProcessLinks", Offset: 0x448},
			{Name: "SectionBaseAddress", Offset: 0x520},
			{Name: "InheritedFromUniqueProcessId", Offset: 0x540},
			{Name: "Peb", Offset: 0x550},
			{Name: "WoW64Process", Offset: 0x580},
			{Name: "ImageFileName", Offset: 0x5a8},
			{Name: "ThreadListHead", Offset: 0x5e0},
			{Name: "ExitStatus", Offset: 0x7d4},
		}},
		{Name: "_KTHREAD", Size: 0x430, Fields: []pdbtest.Field{
			{Name: "Teb", Offset: 0xf0},
			{Name: "State", Offset: 0x184},
		}},
		{Name: "_ETHREAD", Size: 0x898, Fields: []pdbtest.Field{
			{Name: "Tcb"},
			{Name: "Cid", Offset: 0x478},
			{Name: "ThreadListEntry", Offset: 0x4e8},
		}},
	}})
}

func traceStates(res *Result) []State {
	var out []State
	for _, s := range res.Trace {
		out = append(out, s.State)
	}
	return out
}

func assertWin10(t *testing.T, tab *offsets.Table, fields []string) {
	t.Helper()
	want := phystest.Win10Offsets()
	for _, f := range fields {
		got, ok := tab.Lookup(f)
		if assert.True(t, ok, f) {
			assert.Equal(t, want[f], got, f)
		}
	}
}

func TestResolveDatabaseHit(t *testing.T) {
	db, err := offsets.Builtin()
	require.NoError(t, err)

	var fetches, scans atomic.Int32
	r, err := New(Config{
		Database: db,
		Fetcher: fetchFunc(func(context.Context, symstore.Key) ([]byte, error) {
			fetches.Add(1)
			return nil, symstore.ErrNotFound
		}),
		Catalog: func(a offsets.Arch) sigscan.Catalog {
			scans.Add(1)
			return sigscan.DefaultCatalog(a)
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), locate(t))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, []State{StateUnresolved, StateDatabaseHit, StateResolved}, traceStates(res))
	assert.Zero(t, fetches.Load())
	assert.Zero(t, scans.Load())

	assertWin10(t, res.Table, offsets.KernelFields())
	for _, f := range offsets.KernelFields() {
		assert.Equal(t, offsets.SourceDatabase, res.Table.Source(f), f)
	}
	assert.Equal(t, offsets.SourceArch, res.Table.Source(offsets.PEBLdr))
}

func TestResolveSymbols(t *testing.T) {
	var key symstore.Key
	r, err := New(Config{
		Fetcher: fetchFunc(func(_ context.Context, k symstore.Key) ([]byte, error) {
			key = k
			return kernelPDB(phystest.Win10GUID), nil
		}),
		DisableSignatures: true,
	})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), locate(t))
	require.NoError(t, err)
	assert.Equal(t, symstore.Key{PDBName: "ntkrnlmp.pdb", GUIDAge: "1C9875F76C8F0FBF3EB9A9D7C1C274061"}, key)
	assert.Equal(t, []State{StateUnresolved, StateSymbolResolved, StateResolved}, traceStates(res))
	assertWin10(t, res.Table, offsets.KernelFields())
	assert.Equal(t, offsets.SourceSymbols, res.Table.Source(offsets.EprocessLink))
}

func TestResolveSymbolsMismatchFallsThrough(t *testing.T) {
	other := phystest.Win10GUID
	other[0] ^= 0xff
	r, err := New(Config{
		Fetcher: fetchFunc(func(context.Context, symstore.Key) ([]byte, error) {
			return kernelPDB(other), nil
		}),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), locate(t))
	require.NoError(t, err)
	assert.Equal(t, offsets.SourceSignature, res.Table.Source(offsets.EprocessPID))
	require.GreaterOrEqual(t, len(res.Trace), 2)
	assert.Contains(t, res.Trace[1].Note, "symbols unavailable")
}

func TestResolveSymbolTimeout(t *testing.T) {
	r, err := New(Config{
		Fetcher: fetchFunc(func(ctx context.Context, _ symstore.Key) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		SymbolTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), locate(t))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, offsets.SourceSignature, res.Table.Source(offsets.EprocessLink))
}

func TestResolveCallerDeadline(t *testing.T) {
	blocking := fetchFunc(func(ctx context.Context, _ symstore.Key) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	info := locate(t)

	t.Run("signatures complete the table", func(t *testing.T) {
		r, err := New(Config{Fetcher: blocking, SymbolTimeout: time.Minute})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		res, err := r.Resolve(ctx, info)
		require.NoError(t, err)
		assert.Equal(t, StateResolved, res.State)
		assert.Equal(t, []State{StateUnresolved, StateUnresolved, StateSignatureResolved, StateResolved}, traceStates(res))
		assert.Contains(t, res.Trace[1].Note, "symbols unavailable")
		assert.Equal(t, offsets.SourceSignature, res.Table.Source(offsets.EprocessLink))

		_, ok := r.cache.Get(res.Key)
		assert.False(t, ok)
	})

	t.Run("missing fields are incomplete", func(t *testing.T) {
		r, err := New(Config{
			Fetcher:       blocking,
			SymbolTimeout: time.Minute,
			Catalog:       func(offsets.Arch) sigscan.Catalog { return nil },
		})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		res, err := r.Resolve(ctx, info)
		require.ErrorIs(t, err, ErrIncompleteOffsets)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StateFailed, res.State)
		assert.Contains(t, res.Trace[len(res.Trace)-1].Note, "deadline exceeded")
	})
}

func TestResolveSignatures(t *testing.T) {
	r, err := New(Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), locate(t))
	require.NoError(t, err)
	assert.Equal(t, []State{StateUnresolved, StateSignatureResolved, StateResolved}, traceStates(res))

	scanned := []string{
		offsets.ListBlink, offsets.EprocessLink, offsets.EprocessPID, offsets.EprocessName,
		offsets.EprocessPEB, offsets.EprocessParentPID, offsets.EprocessExitStatus,
		offsets.EprocessSection, offsets.EprocessWow64, offsets.KprocessDTB,
		offsets.EthreadCID, offsets.KthreadTEB,
	}
	assertWin10(t, res.Table, scanned)
	for _, f := range scanned {
		assert.Equal(t, offsets.SourceSignature, res.Table.Source(f), f)
	}
	assert.Equal(t,
		[]string{offsets.EprocessThreadList, offsets.EthreadListEntry, offsets.KthreadState},
		res.Table.Missing(offsets.ThreadFields))
	assert.Contains(t, res.Trace[len(res.Trace)-1].Note, offsets.KthreadState)
}

func TestResolveDeterministic(t *testing.T) {
	info := locate(t)
	var tables []map[string]uint32
	for range 3 {
		r, err := New(Config{})
		require.NoError(t, err)
		res, err := r.Resolve(context.Background(), info)
		require.NoError(t, err)
		tables = append(tables, res.Table.Fields())
	}
	assert.Equal(t, tables[0], tables[1])
	assert.Equal(t, tables[0], tables[2])
}

func TestResolveIncomplete(t *testing.T) {
	r, err := New(Config{
		Catalog: func(offsets.Arch) sigscan.Catalog { return nil },
		Metrics: metrics.New(),
	})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), locate(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteOffsets)

	var inc *IncompleteOffsetsError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, []string{
		offsets.EprocessLink, offsets.EprocessPID, offsets.EprocessName, offsets.EprocessPEB,
		offsets.EprocessParentPID, offsets.EprocessExitStatus,
	}, inc.Missing)
	assert.Equal(t, StateFailed, res.State)
	assert.Nil(t, res.Table)

	// Failures are not cached.
	_, ok := r.cache.Get(res.Key)
	assert.False(t, ok)
}

func TestResolveConcurrentSingleResolution(t *testing.T) {
	info := locate(t)
	var fetches atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	r, err := New(Config{
		Fetcher: fetchFunc(func(context.Context, symstore.Key) ([]byte, error) {
			if fetches.Add(1) == 1 {
				close(started)
			}
			<-release
			return kernelPDB(phystest.Win10GUID), nil
		}),
		Metrics: metrics.New(),
	})
	require.NoError(t, err)

	const callers = 8
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), info)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	<-started
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	for _, res := range results {
		assert.Same(t, results[0], res)
	}

	again, err := r.Resolve(context.Background(), info)
	require.NoError(t, err)
	assert.Same(t, results[0], again)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestSymbolOffsetsRenamedMember(t *testing.T) {
	data := pdbtest.Build(pdbtest.Spec{GUID: phystest.Win10GUID, Age: 2, Types: []pdbtest.Type{
		{Name: "_EPROCESS", Size: 0x4d0, Fields: []pdbtest.Field{
			{Name: "UniqueProcessId", Offset: 0x180},
			{Name: "Wow64Process", Offset: 0x320},
		}},
	}})
	f, err := pdb.Parse(data)
	require.NoError(t, err)

	got := SymbolOffsets(f, []string{offsets.EprocessPID, offsets.EprocessWow64, offsets.KprocessDTB, "no.such"})
	assert.Equal(t, map[string]uint32{
		offsets.EprocessPID:   0x180,
		offsets.EprocessWow64: 0x320,
	}, got)
}

func TestWanted(t *testing.T) {
	assert.Contains(t, Wanted(offsets.ArchX64), offsets.EprocessWow64)
	assert.NotContains(t, Wanted(offsets.ArchX86PAE), offsets.EprocessWow64)
	assert.Len(t, Wanted(offsets.ArchX86), len(offsets.KernelFields())-1)
}
