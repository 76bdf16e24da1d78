package avrprog

import (
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

const (
	HexLineLength = 16
)

// Parse an Intel HEX file into a flat flash image starting at address 0.
// Gaps are filled with 0xFF (blank) so they cost nothing to program.
func HexToImage(r io.Reader, flashSize int) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, err
	}
	end := 0
	for _, segment := range mem.GetDataSegments() {
		segEnd := int(segment.Address) + len(segment.Data)
		if flashSize > 0 && segEnd > flashSize {
			return nil, fmt.Errorf("hex data at 0x%04X-0x%04X is past the end of flash (%d bytes)",
				segment.Address, segEnd, flashSize)
		}
		end = max(end, segEnd)
	}
	return mem.ToBinary(0, uint32(end), BlankByte), nil
}

// Write a flash image as Intel HEX. Trailing blank data isn't written
func ImageToHex(image []byte, w io.Writer) error {
	mem := gohex.NewMemory()
	trimmed := TrimUnused(image, 1)
	if len(trimmed) > 0 {
		if err := mem.AddBinary(0, trimmed); err != nil {
			return err
		}
	}
	return mem.DumpIntelHex(w, HexLineLength)
}

// Basic facts about an image, for reporting
type ImageInfo struct {
	Length      int
	Pages       int
	BlankPages  int
	TrimmedSize int
	MD5         string
}

func AnalyzeImage(image []byte, pageSize int) ImageInfo {
	padded := PadTo(image, AlignWidth(len(image), pageSize))
	info := ImageInfo{
		Length:      len(image),
		Pages:       len(padded) / pageSize,
		TrimmedSize: len(TrimUnused(image, 1)),
		MD5:         Md5String(image),
	}
	for i := 0; i < len(padded); i += pageSize {
		if IsBlankPage(padded[i : i+pageSize]) {
			info.BlankPages++
		}
	}
	return info
}
