package perf

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/internal"
	"github.com/mockersf/redbpf/internal/sys"
)

// perfEventRing is a page of metadata followed by a power-of-two number of
// pages forming the ring buffer.
type perfEventRing struct {
	cpu  int
	fd   *sys.FD
	mmap []byte
	*ringReader
}

func newPerfEventRing(cpu, perCPUBuffer, watermark int) (*perfEventRing, error) {
	if watermark >= perCPUBuffer {
		return nil, errors.New("watermark must be smaller than perCPUBuffer")
	}

	fd, err := createPerfEvent(cpu, watermark)
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(fd.Int(), true); err != nil {
		fd.Close()
		return nil, err
	}

	mmap, err := unix.Mmap(fd.Int(), 0, perfBufferSize(perCPUBuffer), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap perf ring: %w", err)
	}

	// The first page is a struct perf_event_mmap_page, through which the
	// kernel publishes the head position and we commit the tail.
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0]))

	ring := &perfEventRing{
		cpu:        cpu,
		fd:         fd,
		mmap:       mmap,
		ringReader: newRingReader(meta, mmap[meta.Data_offset:meta.Data_offset+meta.Data_size]),
	}
	runtime.SetFinalizer(ring, (*perfEventRing).Close)

	return ring, nil
}

// perfBufferSize returns a valid mmap size for a perf ring: one metadata
// page plus a power-of-two number of data pages covering at least
// perCPUBuffer bytes.
func perfBufferSize(perCPUBuffer int) int {
	pageSize := os.Getpagesize()

	nPages := (perCPUBuffer + pageSize - 1) / pageSize
	if !internal.IsPow(nPages) {
		nPages = 1 << bits.Len(uint(nPages))
	}

	return (1 + nPages) * pageSize
}

func (ring *perfEventRing) Close() {
	runtime.SetFinalizer(ring, nil)

	ring.fd.Close()
	unix.Munmap(ring.mmap)
	ring.mmap = nil
}

func createPerfEvent(cpu, watermark int) (*sys.FD, error) {
	if watermark == 0 {
		watermark = 1
	}

	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_BPF_OUTPUT,
		Bits:        unix.PerfBitWatermark,
		Sample_type: unix.PERF_SAMPLE_RAW,
		Wakeup:      uint32(watermark),
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf event for cpu %d: %w", cpu, err)
	}

	return sys.NewFD(fd)
}

// ringReader reads the mmapped data area of a perf ring. The kernel owns
// the head position, the reader owns the tail.
type ringReader struct {
	meta       *unix.PerfEventMmapPage
	head, tail uint64
	mask       uint64
	ring       []byte
}

func newRingReader(meta *unix.PerfEventMmapPage, ring []byte) *ringReader {
	return &ringReader{
		meta: meta,
		head: atomic.LoadUint64(&meta.Data_head),
		tail: atomic.LoadUint64(&meta.Data_tail),
		// The data area is always a power of two in size.
		mask: uint64(cap(ring) - 1),
		ring: ring,
	}
}

// loadHead refreshes the head position. Done once per wakeup rather than
// once per record, so that a fast producer can't keep the reader inside
// a single ring forever.
func (rr *ringReader) loadHead() {
	rr.head = atomic.LoadUint64(&rr.meta.Data_head)
}

// writeTail commits the tail position, telling the kernel the space up to
// it may be reused.
func (rr *ringReader) writeTail() {
	atomic.StoreUint64(&rr.meta.Data_tail, rr.tail)
}

func (rr *ringReader) Read(p []byte) (int, error) {
	start := int(rr.tail & rr.mask)

	n := len(p)
	// The record may wrap around the end of the data area.
	if remainder := cap(rr.ring) - start; n > remainder {
		n = remainder
	}
	// Never read past the head the kernel last published.
	if remainder := int(rr.head - rr.tail); n > remainder {
		n = remainder
	}

	copy(p, rr.ring[start:start+n])
	rr.tail += uint64(n)

	if rr.tail == rr.head {
		return n, io.EOF
	}

	return n, nil
}
