// Package frame attaches to a named shared-memory ring advertised by the
// browser child and exposes wait/read/is-active — the reader side of a
// single-producer, many-consumer frame exchange. The ring's layout belongs
// to a sibling library on the producer side; this package only consumes
// its documented header-plus-slot shape.
package frame

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// headerSize is the fixed-size control block at the start of the ring,
// holding the fields a reader needs without touching the frame payload.
const headerSize = 64

// ringMagic identifies a ring segment produced by the expected layout, to
// fail fast on a stale or mismatched shared-memory region rather than
// silently decoding garbage.
const ringMagic = 0x4f574c44 // "OWLD"

// field offsets within the header, each naturally aligned for atomic access.
const (
	offMagic     = 0
	offSeq       = 8  // uint64, bumped by producer after each completed write
	offActive    = 16 // uint32, 1 while producer attached
	offWidth     = 20 // uint32
	offHeight    = 24 // uint32
	offDataLen   = 28 // uint32
	offTimestamp = 32 // uint64, monotonic milliseconds
	offCapacity  = 40 // uint32, max payload bytes following the header
)

// waitPollInterval bounds how often Wait re-checks the sequence counter.
const waitPollInterval = 2 * time.Millisecond

// Ring is an attached reader over a named POSIX shared-memory segment at
// /dev/shm/<name>. Reader and writer coordinate only through the sequence
// counter and the active flag; there is no lock in shared memory, so a
// read may observe a torn frame mid-write and must detect it by rechecking
// the sequence counter before and after copying.
type Ring struct {
	name string
	fd   int
	mem  []byte
}

// Attach opens and mmaps the shared-memory segment advertised as name. The
// stream registry does not hold its mutex across attach, wait or read; it
// detaches only in CleanupIfLast, once the last relay loop holding the
// context has released it, so no registered reader is mid-read then.
func Attach(name string) (*Ring, error) {
	return attachPath(name, "/dev/shm/"+name)
}

// attachPath is the testable core of Attach: it takes the shm name
// (recorded for error messages and IsActive logging) and a concrete
// filesystem path separately so tests can point it at a tmp file instead
// of requiring a real /dev/shm segment.
func attachPath(name, path string) (*Ring, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("frame: open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("frame: stat %s: %w", path, err)
	}
	size := int(st.Size)
	if size < headerSize {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("frame: %s too small to hold a ring header (%d bytes)", path, size)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("frame: mmap %s: %w", path, err)
	}

	r := &Ring{name: name, fd: fd, mem: mem}
	if magic := r.loadUint32(offMagic); magic != ringMagic {
		_ = r.Detach()
		return nil, fmt.Errorf("frame: %s has unexpected magic 0x%x", path, magic)
	}
	return r, nil
}

// Detach unmaps and closes the segment. Safe to call once; the caller must
// not use the Ring afterward.
func (r *Ring) Detach() error {
	var mapErr, closeErr error
	if r.mem != nil {
		mapErr = unix.Munmap(r.mem)
		r.mem = nil
	}
	if r.fd >= 0 {
		closeErr = unix.Close(r.fd)
		r.fd = -1
	}
	if mapErr != nil {
		return fmt.Errorf("frame: munmap %s: %w", r.name, mapErr)
	}
	return closeErr
}

// IsActive reports whether the producer is still attached to the ring.
func (r *Ring) IsActive() bool {
	return r.loadUint32(offActive) != 0
}

// Wait blocks until a new frame is available or timeout elapses, returning
// true only in the former case. It polls the sequence counter rather than
// blocking on a futex-style primitive, since the producer side is owned by
// a sibling library with no documented wake mechanism beyond the counter.
func (r *Ring) Wait(timeout time.Duration) bool {
	startSeq := r.loadUint64(offSeq)
	deadline := time.Now().Add(timeout)
	for {
		if r.loadUint64(offSeq) != startSeq {
			return true
		}
		if !r.IsActive() {
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(waitPollInterval)
	}
}

// Frame is a consistent snapshot copied out of the ring.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp int64 // monotonic milliseconds, as reported by the producer
}

// Read copies the current frame into buf (which must be at least the
// ring's capacity) and returns the populated Frame. It detects a producer
// write racing the copy by rechecking the sequence counter before and
// after; on a detected tear it retries a bounded number of times before
// giving up.
func (r *Ring) Read(buf []byte) (Frame, bool) {
	capacity := int(r.loadUint32(offCapacity))
	if len(buf) < capacity {
		return Frame{}, false
	}

	for attempt := 0; attempt < 4; attempt++ {
		before := r.loadUint64(offSeq)
		dataLen := int(r.loadUint32(offDataLen))
		width := int(r.loadUint32(offWidth))
		height := int(r.loadUint32(offHeight))
		ts := int64(r.loadUint64(offTimestamp))

		if dataLen <= 0 || dataLen > capacity {
			return Frame{}, false
		}
		n := copy(buf, r.mem[headerSize:headerSize+dataLen])

		after := r.loadUint64(offSeq)
		if before == after {
			return Frame{Data: buf[:n], Width: width, Height: height, Timestamp: ts}, true
		}
	}
	return Frame{}, false
}

// MaxFrameSize reports the ring's advertised capacity, the minimum buffer
// size a caller must supply to Read.
func (r *Ring) MaxFrameSize() int {
	return int(r.loadUint32(offCapacity))
}

func (r *Ring) loadUint32(off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[off])))
}

func (r *Ring) loadUint64(off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.mem[off])))
}
