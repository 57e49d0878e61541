package ntos

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"

	"ntwalk/internal/vat"
)

// maxUnicodeBytes is the largest UNICODE_STRING Length.
const maxUnicodeBytes = 0xfffe

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// readUnicodeString reads the UNICODE_STRING at va. The buffer pointer
// follows Length and MaximumLength, aligned to the pointer size.
func readUnicodeString(s vat.Space, va, ptrSize uint64) (string, error) {
	length, err := s.ReadUint16(va)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	maxLen, err := s.ReadUint16(va + 2)
	if err != nil {
		return "", err
	}
	if length%2 != 0 || length > maxLen || length > maxUnicodeBytes {
		return "", fmt.Errorf("unicode string at 0x%x: length %d of %d", va, length, maxLen)
	}
	buf, err := s.ReadPtr(va + ptrSize)
	if err != nil {
		return "", err
	}
	if buf == 0 {
		return "", fmt.Errorf("unicode string at 0x%x: null buffer", va)
	}
	raw := make([]byte, length)
	if err := s.Read(buf, raw); err != nil {
		return "", err
	}
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("unicode string at 0x%x: %w", va, err)
	}
	return string(out), nil
}
