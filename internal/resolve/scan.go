package resolve

import (
	"encoding/binary"
	"errors"
	"slices"

	"go.uber.org/zap"

	"ntwalk/internal/kernel"
	"ntwalk/internal/offsets"
	"ntwalk/internal/sigscan"
)

// dtbProbeWindow is how much of the system EPROCESS is searched for the
// directory table base.
const dtbProbeWindow = 0x200

// fromSignatures derives fields from accessor function bodies, then from
// structural probes of the system process.
func (r *Resolver) fromSignatures(info *kernel.Info, b *offsets.Builder, want []string, log *zap.Logger) map[string]uint32 {
	found := make(map[string]uint32)
	catalog := r.cfg.Catalog(b.Arch())
	for _, field := range want {
		for _, e := range catalog.For(field) {
			code, err := info.Image.Function(e.Function, e.Window)
			if err != nil {
				log.Debug("accessor missing", zap.String("function", e.Function), zap.Error(err))
				continue
			}
			v, m, err := sigscan.Resolve(code, e.Patterns)
			if err != nil {
				if !errors.Is(err, sigscan.ErrSignatureNotFound) {
					log.Debug("signature rejected", zap.String("function", e.Function), zap.Error(err))
				}
				continue
			}
			log.Debug("signature matched", zap.String("field", field),
				zap.String("pattern", m.Pattern.Name), zap.Uint32("offset", v))
			found[field] = v
			break
		}
	}

	lookup := func(name string) (uint32, bool) {
		if v, ok := b.Lookup(name); ok {
			return v, true
		}
		v, ok := found[name]
		return v, ok
	}
	ptr := uint32(b.Arch().PointerSize())
	wanted := func(name string) bool {
		_, have := lookup(name)
		return !have && slices.Contains(want, name)
	}

	if wanted(offsets.ListBlink) {
		found[offsets.ListBlink] = ptr
	}
	if wanted(offsets.KprocessDTB) {
		if v, ok := probeDTB(info, ptr); ok {
			found[offsets.KprocessDTB] = v
		}
	}
	if wanted(offsets.EprocessLink) {
		if pid, ok := lookup(offsets.EprocessPID); ok {
			if link := pid + ptr; linkRoundTrip(info, link, ptr) {
				found[offsets.EprocessLink] = link
			}
		}
	}
	return found
}

// probeDTB finds the start-block paging root inside the system EPROCESS.
func probeDTB(info *kernel.Info, ptr uint32) (uint32, bool) {
	buf := make([]byte, dtbProbeWindow)
	if err := info.Space.Read(info.SystemProcess, buf); err != nil {
		return 0, false
	}
	want := info.StartBlock.DTB
	for off := uint32(ptr); int(off)+int(ptr) <= len(buf); off += ptr {
		var v uint64
		if ptr == 8 {
			v = binary.LittleEndian.Uint64(buf[off:])
			// The low bits may carry a PCID.
			v &^= 0xfff
		} else {
			v = uint64(binary.LittleEndian.Uint32(buf[off:]))
		}
		if v == want {
			return off, true
		}
	}
	return 0, false
}

// linkRoundTrip checks that the LIST_ENTRY at sys+link has neighbours
// pointing back at it.
func linkRoundTrip(info *kernel.Info, link, ptr uint32) bool {
	s := info.Space
	node := info.SystemProcess + uint64(link)
	flink, err := s.ReadPtr(node)
	if err != nil || flink == 0 || flink == node {
		return false
	}
	blink, err := s.ReadPtr(node + uint64(ptr))
	if err != nil || blink == 0 {
		return false
	}
	back, err := s.ReadPtr(flink + uint64(ptr))
	if err != nil || back != node {
		return false
	}
	fwd, err := s.ReadPtr(blink)
	return err == nil && fwd == node
}
