package block

import (
	"bufio"
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// Container owns a single append-only file end to end: framing, checksums,
// the in-memory offset map, and the shared/exclusive lock discipline
// described in spec §5. It is the sole source of truth for where a
// block_id lives; every other component borrows blocks by id through it.
type Container struct {
	path string
	file *os.File

	// fileLock is an OS-level advisory lock so a second process opening the
	// same path fails fast instead of corrupting the file; it layers under
	// mu, which arbitrates in-process readers/writers.
	fileLock *flock.Flock

	mu  sync.RWMutex
	loc map[int64]Location

	// size is the current end-of-file offset; new writes append here.
	size int64

	// tornTailOffset records how far scan() got before stopping at a torn
	// tail, so a diagnostic caller can report recoverable bytes.
	tornTailOffset int64
}

// OpenOptions configures Open.
type OpenOptions struct {
	// Create creates the file if it does not exist.
	Create bool
}

// Open opens (or creates) the container file at path, takes the advisory
// file lock, and rebuilds the in-memory location map via a forward scan.
func Open(path string, opts OpenOptions) (*Container, error) {
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.Io, "container.open")
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		f.Close()
		return nil, verrors.Wrap(err, verrors.Io, "container.open.lock")
	}
	if !locked {
		f.Close()
		return nil, verrors.New(verrors.Io, "container.open.lock", "container already locked by another process")
	}

	c := &Container{
		path:     path,
		file:     f,
		fileLock: fl,
		loc:      make(map[int64]Location),
	}
	if err := c.scanLocked(); err != nil {
		f.Close()
		fl.Unlock()
		return nil, err
	}
	return c, nil
}

// Reopen closes the current file handle and opens path fresh, rebuilding
// the location map via a new forward scan. It leaves the advisory file
// lock (on the separate path+".lock" sidecar) untouched throughout.
//
// Used after maintenance.Compact renames a freshly-rebuilt file over
// path: every component holding this *Container (hashchain, folder
// store, writer, key manager) keeps the same pointer, but an os.Rename
// doesn't invalidate an already-open file descriptor on Unix — without
// this, a held *os.File would keep reading the orphaned pre-compaction
// data instead of the file now at path.
func (c *Container) Reopen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.file.Close(); err != nil {
		return verrors.Wrap(err, verrors.Io, "container.reopen.close")
	}
	f, err := os.OpenFile(c.path, os.O_RDWR, 0o644)
	if err != nil {
		return verrors.Wrap(err, verrors.Io, "container.reopen.open")
	}
	c.file = f
	c.loc = make(map[int64]Location)
	c.size = 0
	c.tornTailOffset = 0
	return c.scanLocked()
}

// Close releases the file handle and the advisory lock.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.file.Close()
	_ = c.fileLock.Unlock()
	return verrors.Wrap(err, verrors.Io, "container.close")
}

// Size returns the current end offset of the valid frames (bytes written so
// far, excluding any torn tail truncated logically from the location map).
func (c *Container) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Path returns the container file's path, used by callers that need to
// derive a sidecar location (e.g. the index store's <path>.idx directory).
func (c *Container) Path() string {
	return c.path
}

// Write appends a fully framed block and returns its Location. The frame is
// assembled in one buffer and written+flushed as a single call, so a crash
// mid-write leaves either the complete frame or nothing the next scan will
// accept (spec §4.1 "write" contract).
func (c *Container) Write(ctx context.Context, blockID int64, h Header, payload []byte) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, verrors.Wrap(err, verrors.Cancelled, "container.write")
	}
	if blockID == 0 {
		return Location{}, verrors.New(verrors.InvalidArgument, "container.write", "block_id must be non-zero")
	}
	if h.Timestamp == 0 {
		h.Timestamp = time.Now().Unix()
	}

	frame, err := encodeFrame(blockID, h, payload)
	if err != nil {
		return Location{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.loc[blockID]; exists {
		return Location{}, verrors.New(verrors.InvalidArgument, "container.write", "block_id already present")
	}

	offset := c.size
	if _, err := c.file.WriteAt(frame, offset); err != nil {
		return Location{}, verrors.Wrap(err, verrors.Io, "container.write")
	}
	if err := c.file.Sync(); err != nil {
		return Location{}, verrors.Wrap(err, verrors.Io, "container.write.sync")
	}

	loc := Location{Offset: offset, Length: int64(len(frame))}
	c.loc[blockID] = loc
	c.size = offset + loc.Length
	return loc, nil
}

// Read looks up block_id in the location map and decodes the frame at its
// recorded offset, verifying header_checksum, footer_magic, total_length,
// and payload_checksum in that order.
func (c *Container) Read(ctx context.Context, blockID int64) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, verrors.Wrap(err, verrors.Cancelled, "container.read")
	}
	c.mu.RLock()
	loc, ok := c.loc[blockID]
	c.mu.RUnlock()
	if !ok {
		return Block{}, verrors.New(verrors.NotFound, "container.read", "block_id not in location map")
	}

	buf := make([]byte, loc.Length)
	if _, err := c.file.ReadAt(buf, loc.Offset); err != nil {
		return Block{}, verrors.Wrap(err, verrors.Io, "container.read")
	}
	id, h, payload, err := decodeFrame(buf)
	if err != nil {
		return Block{}, verrors.Wrap(err, verrors.CorruptBlock, "container.read")
	}
	if id != blockID {
		return Block{}, verrors.New(verrors.CorruptBlock, "container.read", "block_id mismatch at recorded offset")
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return Block{Header: h, Payload: out}, nil
}

// Location returns the recorded on-disk location for block_id, or NotFound.
func (c *Container) Location(blockID int64) (Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.loc[blockID]
	if !ok {
		return Location{}, verrors.New(verrors.NotFound, "container.location", "block_id not in location map")
	}
	return loc, nil
}

// ScanResult is what Scan/scanLocked reconstructs from a forward walk.
type ScanResult struct {
	Locations map[int64]Location
	// TornTailOffset is the byte offset where scanning stopped because the
	// next frame was invalid or incomplete; equals file size if nothing was
	// torn.
	TornTailOffset int64
}

// Scan performs a fresh forward walk of the file independent of the
// in-memory map, returning what a re-open would reconstruct.
func (c *Container) Scan(ctx context.Context) (ScanResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scan(ctx)
}

// scanLocked does not take c.mu itself: Open calls it before any reader can
// observe c, and Reopen calls it while already holding c.mu.
func (c *Container) scanLocked() error {
	res, err := c.scan(context.Background())
	if err != nil {
		return err
	}
	c.loc = res.Locations
	c.size = res.TornTailOffset
	c.tornTailOffset = res.TornTailOffset
	return nil
}

// scan walks the file from offset 0, validating each frame; it stops (and
// keeps everything decoded so far) at the first invalid or incomplete
// frame, treating the remainder as a torn write per spec §4.1.
func (c *Container) scan(ctx context.Context) (ScanResult, error) {
	info, err := c.file.Stat()
	if err != nil {
		return ScanResult{}, verrors.Wrap(err, verrors.Io, "container.scan")
	}
	fileSize := info.Size()

	r := io.NewSectionReader(c.file, 0, fileSize)
	br := bufio.NewReaderSize(r, 1<<20)

	loc := make(map[int64]Location)
	var offset int64

	fixedBuf := make([]byte, FixedOverhead)
	for {
		if err := ctx.Err(); err != nil {
			return ScanResult{}, verrors.Wrap(err, verrors.Cancelled, "container.scan")
		}
		if offset+FixedOverhead > fileSize {
			break
		}
		if _, err := io.ReadFull(br, fixedBuf); err != nil {
			break
		}
		magic := beUint64(fixedBuf[0:8])
		if magic != HeaderMagic {
			break
		}
		payloadLen := beInt64(fixedBuf[29:37])
		if payloadLen < 0 {
			break
		}
		total := int64(FixedOverhead) + payloadLen
		if offset+total > fileSize {
			break
		}

		rest := make([]byte, total-FixedOverhead)
		if len(rest) > 0 {
			if _, err := io.ReadFull(br, rest); err != nil {
				break
			}
		}

		frame := make([]byte, total)
		copy(frame, fixedBuf)
		copy(frame[FixedOverhead:], rest)

		blockID, _, _, derr := decodeFrame(frame)
		if derr != nil {
			break
		}

		loc[blockID] = Location{Offset: offset, Length: total}
		offset += total
	}

	return ScanResult{Locations: loc, TornTailOffset: offset}, nil
}

// LocateMagic performs a memory-mapped chunked scan for HeaderMagic
// occurrences, used as a fallback recovery path when scan() stops earlier
// than expected (e.g. a corrupted frame in the middle of an otherwise
// intact file, not just a torn tail). It does not validate checksums; it
// only reports candidate offsets for a caller to attempt decodeFrame at.
func (c *Container) LocateMagic(ctx context.Context) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return locateMagic(ctx, c.file)
}

// BlockIDs returns every block_id currently in the location map, sorted.
func (c *Container) BlockIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int64, 0, len(c.loc))
	for id := range c.loc {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func beInt64(b []byte) int64 { return int64(beUint64(b)) }
