package frame

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testCapacity = 4096

// fakeProducer writes a ring segment to path and lets the test push frames
// into it the same way the producer side would, without depending on any
// external library.
type fakeProducer struct {
	mem []byte
}

func newFakeProducer(t *testing.T, path string) *fakeProducer {
	t.Helper()
	size := headerSize + testCapacity
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(int64(size)))

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	require.NoError(t, err)
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Munmap(mem)
		_ = unix.Close(fd)
	})

	binary.LittleEndian.PutUint32(mem[offMagic:], ringMagic)
	binary.LittleEndian.PutUint32(mem[offCapacity:], testCapacity)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[offActive])), 1)

	return &fakeProducer{mem: mem}
}

func (p *fakeProducer) pushFrame(data []byte, width, height int, timestampMs int64) {
	copy(p.mem[headerSize:], data)
	binary.LittleEndian.PutUint32(p.mem[offDataLen:], uint32(len(data)))
	binary.LittleEndian.PutUint32(p.mem[offWidth:], uint32(width))
	binary.LittleEndian.PutUint32(p.mem[offHeight:], uint32(height))
	binary.LittleEndian.PutUint64(p.mem[offTimestamp:], uint64(timestampMs))
	atomic.AddUint64((*uint64)(unsafe.Pointer(&p.mem[offSeq])), 1)
}

func (p *fakeProducer) setActive(active bool) {
	v := uint32(0)
	if active {
		v = 1
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&p.mem[offActive])), v)
}

func TestRing_WaitReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owld-ring")
	producer := newFakeProducer(t, path)

	r, err := attachPath("test-ring", path)
	require.NoError(t, err)
	defer r.Detach()

	require.True(t, r.IsActive())

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		producer.pushFrame([]byte("jpegbytes"), 640, 480, 12345)
		close(done)
	}()

	require.True(t, r.Wait(time.Second))
	<-done

	buf := make([]byte, r.MaxFrameSize())
	f, ok := r.Read(buf)
	require.True(t, ok)
	require.Equal(t, "jpegbytes", string(f.Data))
	require.Equal(t, 640, f.Width)
	require.Equal(t, 480, f.Height)
	require.Equal(t, int64(12345), f.Timestamp)
}

func TestRing_WaitTimesOutWithNoNewFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owld-ring")
	newFakeProducer(t, path)

	r, err := attachPath("test-ring", path)
	require.NoError(t, err)
	defer r.Detach()

	require.False(t, r.Wait(30*time.Millisecond))
}

func TestRing_IsActiveReflectsProducerDetach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owld-ring")
	producer := newFakeProducer(t, path)

	r, err := attachPath("test-ring", path)
	require.NoError(t, err)
	defer r.Detach()

	require.True(t, r.IsActive())
	producer.setActive(false)
	require.False(t, r.IsActive())
}

func TestRing_RejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owld-ring-bad")
	size := headerSize + testCapacity
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	_, err := attachPath("bad-ring", path)
	require.Error(t, err)
}
