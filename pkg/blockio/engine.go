package blockio

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/telemetry"
)

// Location records where a block's frame lives in the backing file.
type Location struct {
	Offset int64
	Length int64
}

// Engine is the single-writer/many-reader raw block store. One *os.File
// backs it; a RWMutex serializes appends against compaction, and a
// sync.Map gives readers lock-free access to the offset index while a
// write is in flight (spec §4.1, §6 concurrency model).
type Engine struct {
	mu   sync.RWMutex
	f    *os.File
	path string

	locations sync.Map // int64 blockID -> Location
	nextOff   int64

	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// EngineOptions configures an Engine beyond the file path itself.
type EngineOptions struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Open opens (or creates, if createIfMissing and the file does not exist)
// the file at path and runs a recovery scan to rebuild the in-memory
// location index, per spec §6 "on open, an implementation MUST be able to
// reconstruct its location index purely from file content."
func Open(ctx context.Context, path string, createIfMissing bool, opt EngineOptions) (*Engine, error) {
	const op = "blockio.Open"
	flags := os.O_RDWR
	if createIfMissing {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Io, err, "open file")
	}
	lg := opt.Logger
	if lg == nil {
		lg = telemetry.Nop
	}
	m := opt.Metrics
	if m == nil {
		m = telemetry.NewMetrics()
	}
	e := &Engine{f: f, path: path, log: lg, metrics: m}
	if err := e.scanInto(ctx); err != nil {
		_ = f.Close()
		return nil, err
	}
	return e, nil
}

// scanInto performs the recovery scan described in spec §6: read
// sequentially from offset 0, validating each frame's header magic,
// header CRC32, payload CRC32, and footer magic/total_length. The scan
// stops at the first position that cannot be parsed as a complete, valid
// frame; that position becomes the next append offset, discarding any
// bytes beyond it as an incompletely-written tail (crash-mid-append
// recovery, spec §6 scenario).
func (e *Engine) scanInto(ctx context.Context) error {
	const op = "blockio.scanInto"
	info, err := e.f.Stat()
	if err != nil {
		return dberrors.New(op, dberrors.Io, err, "stat file")
	}
	size := info.Size()

	var off int64
	header := make([]byte, headerFixedSize)
	for off+headerFixedSize <= size {
		select {
		case <-ctx.Done():
			return dberrors.New(op, dberrors.Cancelled, ctx.Err(), "recovery scan cancelled")
		default:
		}

		if _, err := e.f.ReadAt(header, off); err != nil && err != io.EOF {
			return dberrors.New(op, dberrors.Io, err, "read header during scan")
		}
		frameLen, err := PeekLength(header)
		if err != nil {
			break // not a valid header at this offset: truncated or corrupt tail
		}
		if off+frameLen > size {
			break // declared frame runs past EOF: incomplete write
		}
		frame := make([]byte, frameLen)
		if _, err := e.f.ReadAt(frame, off); err != nil {
			return dberrors.New(op, dberrors.Io, err, "read frame during scan")
		}
		b, err := Decode(frame)
		if err != nil {
			break // checksum or footer mismatch: stop before this frame
		}
		e.locations.Store(b.BlockID, Location{Offset: off, Length: frameLen})
		off += frameLen
	}
	e.nextOff = off
	if off < size {
		e.log.Warn("recovery scan discarded trailing bytes", map[string]string{
			"path":          e.path,
			"valid_through": itoa(off),
			"file_size":     itoa(size),
		})
	}
	return nil
}

// Append encodes and durably writes b, returning its Location. Per spec
// §6, once the write to disk has begun, ctx cancellation is no longer
// honored: the frame is written and (if configured) fsynced in full, or
// not at all.
func (e *Engine) Append(ctx context.Context, b Block, fsync bool) (Location, error) {
	const op = "blockio.Append"
	select {
	case <-ctx.Done():
		return Location{}, dberrors.New(op, dberrors.Cancelled, ctx.Err(), "append cancelled before write began")
	default:
	}

	frame := Encode(b)

	e.mu.Lock()
	off := e.nextOff
	n, err := e.f.WriteAt(frame, off)
	if err == nil && fsync {
		err = e.f.Sync()
	}
	if err != nil {
		e.mu.Unlock()
		return Location{}, dberrors.New(op, dberrors.Io, err, "write frame").WithIdent(itoa(b.BlockID))
	}
	loc := Location{Offset: off, Length: int64(n)}
	e.nextOff = off + int64(n)
	e.mu.Unlock()

	e.locations.Store(b.BlockID, loc)
	e.metrics.IncAppend()
	return loc, nil
}

// Read decodes the block stored at blockID.
func (e *Engine) Read(blockID int64) (Block, error) {
	const op = "blockio.Read"
	v, ok := e.locations.Load(blockID)
	if !ok {
		return Block{}, dberrors.New(op, dberrors.State, nil, "unknown block id").WithIdent(itoa(blockID))
	}
	loc := v.(Location)
	e.mu.RLock()
	frame := make([]byte, loc.Length)
	_, err := e.f.ReadAt(frame, loc.Offset)
	e.mu.RUnlock()
	if err != nil {
		return Block{}, dberrors.New(op, dberrors.Io, err, "read frame").WithIdent(itoa(blockID))
	}
	b, err := Decode(frame)
	if err != nil {
		e.metrics.IncChecksumFailure()
		return Block{}, err
	}
	e.metrics.IncRead()
	return b, nil
}

// Scan returns every known block id, in ascending on-disk offset order.
func (e *Engine) Scan() ([]int64, error) {
	type idAt struct {
		id  int64
		off int64
	}
	var all []idAt
	e.locations.Range(func(k, v interface{}) bool {
		all = append(all, idAt{id: k.(int64), off: v.(Location).Offset})
		return true
	})
	for i := 1; i < len(all); i++ {
		j := i
		for j > 0 && all[j-1].off > all[j].off {
			all[j-1], all[j] = all[j], all[j-1]
			j--
		}
	}
	ids := make([]int64, len(all))
	for i, a := range all {
		ids[i] = a.id
	}
	return ids, nil
}

// Locations returns a snapshot of the current block-id -> Location index.
func (e *Engine) Locations() map[int64]Location {
	out := make(map[int64]Location)
	e.locations.Range(func(k, v interface{}) bool {
		out[k.(int64)] = v.(Location)
		return true
	})
	return out
}

// Compact rewrites every live block (in Scan's on-disk order) to a
// new file at targetPath, producing a file with no gaps from superseded
// or discarded frames. It takes the write lock for its whole duration,
// matching spec §4.9's "full block rewrite" migration mode.
func (e *Engine) Compact(ctx context.Context, targetPath string) error {
	const op = "blockio.Compact"
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := os.OpenFile(targetPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return dberrors.New(op, dberrors.Io, err, "create target file")
	}
	defer out.Close()

	ids, _ := e.Scan()
	var off int64
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return dberrors.New(op, dberrors.Cancelled, ctx.Err(), "compaction cancelled")
		default:
		}
		v, _ := e.locations.Load(id)
		loc := v.(Location)
		frame := make([]byte, loc.Length)
		if _, err := e.f.ReadAt(frame, loc.Offset); err != nil {
			return dberrors.New(op, dberrors.Io, err, "read frame").WithIdent(itoa(id))
		}
		if _, err := out.WriteAt(frame, off); err != nil {
			return dberrors.New(op, dberrors.Io, err, "write frame").WithIdent(itoa(id))
		}
		off += loc.Length
	}
	if err := out.Sync(); err != nil {
		return dberrors.New(op, dberrors.Io, err, "sync target file")
	}
	e.log.Info("compaction complete", map[string]string{
		"target":     targetPath,
		"block_count": itoa(int64(len(ids))),
		"bytes":      itoa(off),
	})
	return nil
}

// Close closes the backing file.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Close()
}

// Size returns the current logical end of the file (the next append
// offset), not necessarily os.FileInfo.Size() if a crash left trailing
// garbage past the last valid frame.
func (e *Engine) Size() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nextOff
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
