package ntos

import (
	"fmt"

	"ntwalk/internal/offsets"
)

// ReadVirtual reads len(buf) bytes at va in the address space of p.
func (k *Kernel) ReadVirtual(p Process, va uint64, buf []byte) error {
	s, err := k.Space(p)
	if err != nil {
		return fmt.Errorf("ntos: pid %d: %w", p.PID, err)
	}
	return s.Read(va, buf)
}

// WriteVirtual writes data at va in the address space of p. Every page is
// translated before anything is written; a write that fails part way
// through physical I/O is not rolled back.
func (k *Kernel) WriteVirtual(p Process, va uint64, data []byte) error {
	s, err := k.Space(p)
	if err != nil {
		return fmt.Errorf("ntos: pid %d: %w", p.PID, err)
	}
	return s.Write(va, data)
}

// Params holds strings from RTL_USER_PROCESS_PARAMETERS.
type Params struct {
	ImagePath   string `json:"image_path"`
	CommandLine string `json:"command_line"`
}

// ProcessParameters reads the image path and command line of p.
func (k *Kernel) ProcessParameters(p Process) (Params, error) {
	if p.PEB == 0 {
		return Params{}, fmt.Errorf("%w: pid %d", ErrNoPEB, p.PID)
	}
	s, err := k.Space(p)
	if err != nil {
		return Params{}, fmt.Errorf("ntos: pid %d: %w", p.PID, err)
	}
	pp, err := s.ReadPtr(p.PEB + k.off(offsets.PEBParams))
	if err != nil {
		return Params{}, fmt.Errorf("ntos: pid %d: PEB.ProcessParameters: %w", p.PID, err)
	}
	if pp == 0 {
		return Params{}, nil
	}
	var out Params
	if out.ImagePath, err = readUnicodeString(s, pp+k.off(offsets.ParamsImagePath), k.ptrSize()); err != nil {
		return out, fmt.Errorf("ntos: pid %d: image path: %w", p.PID, err)
	}
	if out.CommandLine, err = readUnicodeString(s, pp+k.off(offsets.ParamsCommandLine), k.ptrSize()); err != nil {
		return out, fmt.Errorf("ntos: pid %d: command line: %w", p.PID, err)
	}
	return out, nil
}
