package offsets

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed db/*.toml
var builtin embed.FS

var (
	ErrNotFound  = errors.New("offsets: build not in database")
	ErrBadEntry  = errors.New("offsets: malformed database entry")
	ErrDuplicate = errors.New("offsets: duplicate database key")
)

// Header identifies the kernel build an entry applies to.
type Header struct {
	PDBFileName    string `toml:"pdb_file_name" json:"pdb_file_name"`
	PDBGUID        string `toml:"pdb_guid" json:"pdb_guid"`
	NtMajorVersion uint32 `toml:"nt_major_version" json:"nt_major_version"`
	NtMinorVersion uint32 `toml:"nt_minor_version" json:"nt_minor_version"`
	NtBuildNumber  uint32 `toml:"nt_build_number" json:"nt_build_number"`
	Arch           Arch   `toml:"arch" json:"arch"`
}

// File is the on-disk form of one database entry.
type File struct {
	Header  Header            `toml:"header"`
	Offsets map[string]uint32 `toml:"offsets"`
}

// Entry is one known kernel build.
type Entry struct {
	Header Header
	Origin string // file the entry was loaded from
	fields map[string]uint32
}

// Key returns the lookup key of the entry.
func (e *Entry) Key() string { return Key(e.Header.PDBFileName, e.Header.PDBGUID) }

// Table returns the entry as an offset table. Database fields are tagged
// SourceDatabase; user-mode constants are added for the entry's arch.
func (e *Entry) Table() *Table {
	b := NewBuilder(e.Header.Arch)
	for n, off := range e.fields {
		b.Set(n, off, SourceDatabase)
	}
	return b.Build()
}

// Key builds the database key for a PDB name and its GUID+age string.
// Lookup is case-insensitive on the PDB name and GUID.
func Key(pdbName, guid string) string {
	return strings.ToLower(pdbName) + "/" + strings.ToUpper(guid)
}

func normalizeKey(key string) string {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return strings.ToUpper(key)
	}
	return Key(key[:i], key[i+1:])
}

// Database is a read-only set of known builds, keyed by Key.
type Database struct {
	entries map[string]*Entry
}

// Load reads the embedded entries plus every *.toml file in dirs. Missing
// directories are skipped.
func Load(dirs ...string) (*Database, error) {
	db := &Database{entries: make(map[string]*Entry)}
	if err := db.loadFS(builtin, "db", "builtin:"); err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := db.loadFS(os.DirFS(d), ".", d+string(filepath.Separator)); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Builtin returns a database holding only the embedded entries.
func Builtin() (*Database, error) { return Load() }

func (db *Database) loadFS(fsys fs.FS, dir, prefix string) error {
	names, err := fs.Glob(fsys, pathJoin(dir, "*.toml"))
	if err != nil {
		return fmt.Errorf("offsets: list %s: %w", prefix, err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("offsets: read %s: %w", name, err)
		}
		origin := prefix + strings.TrimPrefix(name, dir+"/")
		e, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", origin, err)
		}
		e.Origin = origin
		if prev, dup := db.entries[e.Key()]; dup {
			return fmt.Errorf("%w: %s in %s and %s", ErrDuplicate, e.Key(), prev.Origin, origin)
		}
		db.entries[e.Key()] = e
	}
	return nil
}

func pathJoin(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return dir + "/" + name
}

// Parse decodes one TOML database entry and validates it.
func Parse(data []byte) (*Entry, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadEntry, err)
	}
	if f.Header.PDBFileName == "" || f.Header.PDBGUID == "" {
		return nil, fmt.Errorf("%w: header needs pdb_file_name and pdb_guid", ErrBadEntry)
	}
	if f.Header.Arch == ArchUnknown {
		return nil, fmt.Errorf("%w: header needs arch", ErrBadEntry)
	}
	if missing := missingKeys(f.Offsets, Required); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrBadEntry, strings.Join(missing, ", "))
	}
	for n := range f.Offsets {
		if _, ok := Symbols[n]; !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrBadEntry, n)
		}
	}
	return &Entry{Header: f.Header, fields: f.Offsets}, nil
}

func missingKeys(m map[string]uint32, names []string) []string {
	var out []string
	for _, n := range names {
		if _, ok := m[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// Lookup returns the entry for key. It never matches approximately.
func (db *Database) Lookup(key string) (*Entry, error) {
	e, ok := db.entries[normalizeKey(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return e, nil
}

// All returns every entry ordered by key.
func (db *Database) All() []*Entry {
	out := make([]*Entry, 0, len(db.entries))
	for _, e := range db.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of entries.
func (db *Database) Len() int { return len(db.entries) }

// Encode renders a table as a database entry. Only kernel fields are
// written; user-mode constants are implied by the arch.
func Encode(h Header, t *Table) ([]byte, error) {
	h.Arch = t.Arch()
	f := File{Header: h, Offsets: t.KernelFields()}
	return toml.Marshal(f)
}
