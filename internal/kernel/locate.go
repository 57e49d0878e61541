// Package kernel finds the Windows kernel in physical memory: the paging
// root, the ntoskrnl image, its build identifier and the system process.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ntwalk/internal/offsets"
	"ntwalk/internal/pefile"
	"ntwalk/internal/phys"
	"ntwalk/internal/vat"
)

var ErrKernelNotFound = errors.New("kernel: kernel not found")

const (
	kernelName = "ntoskrnl.exe"

	probeWindow = 2 << 20  // bytes examined per hint probe
	probeBudget = 16 << 20 // how far below the hint to look

	// Kernel VA anchor ranges scanned without a hint.
	x64KernelStart = 0xfffff80000000000
	x64KernelEnd   = 0xfffff88000000000
	x86KernelStart = 0x80000000
	x86KernelEnd   = 0x100000000

	defaultMaxScanPages = 1 << 18

	userSharedData = 0x7ffe0000
)

// Hints override discovery. Zero values mean discover.
type Hints struct {
	Arch       offsets.Arch
	DTB        uint64
	KernelHint uint64
	KernelBase uint64
	// PhysLimit bounds the low-memory start-block scan.
	PhysLimit uint64
	// MaxScanPages bounds the hintless kernel image scan.
	MaxScanPages int
	Logger       *zap.Logger
}

// Info is a located kernel.
type Info struct {
	StartBlock StartBlock
	Space      vat.Space
	Base       uint64
	Size       uint32
	Image      *pefile.Image
	Build      BuildID

	// SystemProcess is the EPROCESS address read from PsInitialSystemProcess.
	SystemProcess uint64
	// LoadedModuleList is the address of PsLoadedModuleList, 0 when absent.
	LoadedModuleList uint64
}

// Contains reports whether va lies inside the kernel image.
func (i *Info) Contains(va uint64) bool {
	return va >= i.Base && va < i.Base+uint64(i.Size)
}

// Locate finds and validates the kernel. It only reads memory.
func Locate(ctx context.Context, r phys.Reader, hints Hints) (*Info, error) {
	log := hints.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("kernel")

	sb, err := startBlock(r, hints)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKernelNotFound, err)
	}
	log.Debug("start block", zap.Stringer("start_block", sb))

	space, err := vat.NewSpace(r, sb.Arch, sb.DTB)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKernelNotFound, err)
	}

	var img *pefile.Image
	switch {
	case hints.KernelBase != 0:
		img, err = probeImage(space, hints.KernelBase)
	case sb.KernelHint != 0:
		img, err = findWithHint(ctx, space, sb.KernelHint, log)
		if err != nil && ctx.Err() == nil {
			log.Warn("kernel hint probe failed, scanning", zap.Error(err))
			img, err = scanForImage(ctx, space, hints.MaxScanPages, log)
		}
	default:
		img, err = scanForImage(ctx, space, hints.MaxScanPages, log)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKernelNotFound, err)
	}

	info := &Info{
		StartBlock: sb,
		Space:      space,
		Base:       img.Base,
		Size:       img.SizeOfImage(),
		Image:      img,
	}
	info.Build = buildID(space, img, sb.Arch, log)

	sysVar, err := img.Export("PsInitialSystemProcess")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKernelNotFound, err)
	}
	info.SystemProcess, err = space.ReadPtr(sysVar)
	if err != nil {
		return nil, fmt.Errorf("%w: PsInitialSystemProcess: %w", ErrKernelNotFound, err)
	}
	if info.SystemProcess == 0 || !space.Mapped(info.SystemProcess) {
		return nil, fmt.Errorf("%w: system process 0x%x not mapped", ErrKernelNotFound, info.SystemProcess)
	}
	if mods, err := img.Export("PsLoadedModuleList"); err == nil {
		info.LoadedModuleList = mods
	}
	log.Info("kernel located",
		zap.String("base", fmt.Sprintf("0x%x", info.Base)),
		zap.Stringer("build", info.Build),
		zap.String("system_process", fmt.Sprintf("0x%x", info.SystemProcess)))
	return info, nil
}

func startBlock(r phys.Reader, hints Hints) (StartBlock, error) {
	if hints.Arch != offsets.ArchUnknown && hints.DTB != 0 {
		return StartBlock{Arch: hints.Arch, DTB: hints.DTB, KernelHint: hints.KernelHint}, nil
	}
	limit := hints.PhysLimit
	if limit == 0 {
		limit = x86Limit
	}
	sb, err := FindStartBlock(r, limit)
	if err != nil {
		return sb, err
	}
	if hints.KernelHint != 0 {
		sb.KernelHint = hints.KernelHint
	}
	return sb, nil
}

// findWithHint probes downward from the hint in 2 MiB windows.
func findWithHint(ctx context.Context, space vat.Space, hint uint64, log *zap.Logger) (*pefile.Image, error) {
	for base := hint &^ 0x1ffff; base+probeBudget > hint; base -= probeWindow {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug("probing window", zap.String("va", fmt.Sprintf("0x%x", base)))
		if img, err := probeWindowAt(space, base); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("no %s within %d MiB below 0x%x", kernelName, probeBudget>>20, hint)
}

type candidate struct {
	va, pa uint64
}

// probeWindowAt checks every page header in one window. Valid images are
// preferred in ascending physical address order.
func probeWindowAt(space vat.Space, base uint64) (*pefile.Image, error) {
	var cands []candidate
	page := make([]byte, phys.PageSize)
	for va := base; va < base+probeWindow; va += phys.PageSize {
		pa, err := space.Translate(va)
		if err != nil {
			continue
		}
		if err := phys.Read(space.Mem, pa, page); err != nil {
			continue
		}
		if pefile.LooksLikeHeader(page) {
			cands = append(cands, candidate{va, pa})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].pa < cands[j].pa })
	for _, c := range cands {
		if img, err := probeImage(space, c.va); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("no %s in window 0x%x", kernelName, base)
}

// scanForImage walks the architecture's kernel range, skipping unmapped
// regions by the span of the missing paging entry.
func scanForImage(ctx context.Context, space vat.Space, maxPages int, log *zap.Logger) (*pefile.Image, error) {
	start, end := uint64(x64KernelStart), uint64(x64KernelEnd)
	if space.Arch != offsets.ArchX64 {
		start, end = x86KernelStart, x86KernelEnd
	}
	if maxPages <= 0 {
		maxPages = defaultMaxScanPages
	}
	page := make([]byte, phys.PageSize)
	visited := 0
	for va := start; va < end && visited < maxPages; {
		if visited%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		pa, err := space.Translate(va)
		if err != nil {
			var pnp *vat.PageNotPresentError
			if errors.As(err, &pnp) {
				va = (va &^ (pnp.Skip() - 1)) + pnp.Skip()
				continue
			}
			va += phys.PageSize
			continue
		}
		visited++
		if phys.Read(space.Mem, pa, page) == nil && pefile.LooksLikeHeader(page) {
			if img, err := probeImage(space, va); err == nil {
				return img, nil
			}
		}
		va += phys.PageSize
	}
	log.Debug("kernel scan exhausted", zap.Int("pages", visited))
	return nil, fmt.Errorf("no %s in 0x%x-0x%x", kernelName, start, end)
}

// probeImage reads the image at va and validates it as the kernel.
func probeImage(space vat.Space, va uint64) (*pefile.Image, error) {
	head := make([]byte, phys.PageSize)
	if err := space.Read(va, head); err != nil {
		return nil, err
	}
	size, err := pefile.SizeOfImage(head)
	if err != nil {
		return nil, err
	}
	if size < phys.PageSize || size > 64<<20 {
		return nil, fmt.Errorf("implausible image size 0x%x", size)
	}
	data := make([]byte, size)
	copy(data, head)
	// Paged-out pages stay zero.
	for off := uint64(phys.PageSize); off < uint64(size); off += phys.PageSize {
		n := min(uint64(size)-off, phys.PageSize)
		_ = space.Read(va+off, data[off:off+n])
	}
	img, err := pefile.Parse(va, data)
	if err != nil {
		return nil, err
	}
	name, err := img.Name()
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(name, kernelName) {
		return nil, fmt.Errorf("image at 0x%x is %q", va, name)
	}
	if _, err := img.ExportRVA("PsInitialSystemProcess"); err != nil {
		return nil, err
	}
	return img, nil
}

func buildID(space vat.Space, img *pefile.Image, arch offsets.Arch, log *zap.Logger) BuildID {
	b := BuildID{
		Timestamp: img.TimeDateStamp(),
		ImageSize: img.SizeOfImage(),
		Arch:      arch,
	}
	if cv, err := img.CodeView(); err == nil {
		b.PDBName = cv.PDBName
		b.GUID = cv.GUID
		b.Age = cv.Age
		b.GUIDAge = cv.GUIDAge()
	} else {
		log.Warn("kernel has no codeview record", zap.Error(err))
	}

	if va, err := img.Export("NtBuildNumber"); err == nil {
		if v, err := space.ReadUint32(va); err == nil {
			b.BuildNumber = v & 0xffff
		}
	}
	if b.BuildNumber == 0 {
		log.Warn("unable to read NtBuildNumber")
	}

	// KUSER_SHARED_DATA NtMajorVersion and NtMinorVersion.
	if v, err := space.ReadUint32(userSharedData + 0x26c); err == nil {
		b.Major = v
	}
	if v, err := space.ReadUint32(userSharedData + 0x270); err == nil {
		b.Minor = v
	}
	if b.Major == 0 {
		if code, err := img.Function("RtlGetVersion", 0x100); err == nil {
			b.Major, b.Minor = scanRtlGetVersion(code)
		}
	}
	return b
}
