package block

import (
	"context"
	"encoding/binary"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// magicBytes is HeaderMagic in its on-disk big-endian encoding, searched
// for byte-by-byte across a memory-mapped view of the file.
func magicBytes() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], HeaderMagic)
	return b
}

// locateMagic memory-maps f and returns every offset where HeaderMagic
// occurs, used to recover a location map when a plain forward scan stops
// earlier than the whole file (e.g. one corrupted frame mid-file rather
// than only a torn tail at the end).
func locateMagic(ctx context.Context, f *os.File) ([]int64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, verrors.Wrap(err, verrors.Io, "block.locate_magic")
	}
	if info.Size() == 0 {
		return nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.Io, "block.locate_magic.mmap")
	}
	defer m.Unmap()

	needle := magicBytes()
	var out []int64
	const chunk = 32 << 20 // bound per-iteration work so ctx.Err() is checked regularly
	for base := 0; base < len(m); base += chunk {
		if err := ctx.Err(); err != nil {
			return nil, verrors.Wrap(err, verrors.Cancelled, "block.locate_magic")
		}
		end := base + chunk + len(needle) - 1
		if end > len(m) {
			end = len(m)
		}
		window := m[base:end]
		for i := 0; i+len(needle) <= len(window); i++ {
			if matchAt(window, i, needle) {
				out = append(out, int64(base+i))
			}
		}
	}
	return out, nil
}

func matchAt(b []byte, i int, needle [8]byte) bool {
	for j := 0; j < 8; j++ {
		if b[i+j] != needle[j] {
			return false
		}
	}
	return true
}
