// Package perf reads events emitted by BPF programs through perf event
// array maps, one ring buffer per CPU.
package perf

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf"
	"github.com/mockersf/redbpf/internal"
	"github.com/mockersf/redbpf/internal/epoll"
)

var (
	// ErrClosed is returned by Read when the Reader was closed.
	ErrClosed = os.ErrClosed

	errEOR          = errors.New("end of ring")
	errUnknownEvent = errors.New("unknown event type")
)

// perfEventHeader must match struct perf_event_header in
// <linux/perf_event.h>.
type perfEventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const perfEventHeaderSize = 8

// Record is one event read from a perf ring buffer.
type Record struct {
	// The CPU the record was generated on.
	CPU int

	// The data submitted via bpf_perf_event_output. Due to a kernel bug,
	// it can contain between 0 and 7 bytes of trailing garbage from the
	// ring, depending on the sample's length.
	RawSample []byte

	// The number of samples the kernel dropped because the ring buffer
	// was full. A record either carries a sample or a lost count, never
	// both.
	LostSamples uint64
}

// Decode unmarshals the raw sample into out.
//
// If out implements encoding.BinaryUnmarshaler it is used directly. A
// *[]byte receives a copy. Anything else is decoded with binary.Read in
// the native byte order, matching how BPF programs lay out their structs.
func (rec *Record) Decode(out any) error {
	switch value := out.(type) {
	case encoding.BinaryUnmarshaler:
		return value.UnmarshalBinary(rec.RawSample)

	case *[]byte:
		if len(*value) < len(rec.RawSample) {
			return fmt.Errorf("buffer of %d bytes is too small for sample of %d", len(*value), len(rec.RawSample))
		}
		copy(*value, rec.RawSample)
		return nil

	default:
		rd := bytesReaderPool.Get().(*bytes.Reader)
		defer bytesReaderPool.Put(rd)

		rd.Reset(rec.RawSample)
		return binary.Read(rd, internal.NativeEndian, value)
	}
}

var bytesReaderPool = sync.Pool{
	New: func() any {
		return new(bytes.Reader)
	},
}

// readRecord decodes one record from rd into rec. buf is used as scratch
// space and must hold at least perfEventHeaderSize bytes.
//
// Returns errEOR when the ring is drained. Unknown record types are
// consumed so that the stream stays aligned, and reported as a wrapped
// errUnknownEvent.
func readRecord(rd io.Reader, rec *Record, buf []byte) error {
	buf = buf[:perfEventHeaderSize]
	if _, err := io.ReadFull(rd, buf); err == io.EOF {
		return errEOR
	} else if err != nil {
		return fmt.Errorf("read event header: %w", err)
	}

	header := perfEventHeader{
		internal.NativeEndian.Uint32(buf[0:4]),
		internal.NativeEndian.Uint16(buf[4:6]),
		internal.NativeEndian.Uint16(buf[6:8]),
	}

	switch header.Type {
	case unix.PERF_RECORD_LOST:
		// struct perf_event_lost: a u64 event id we don't use, then the
		// number of lost samples.
		buf = buf[:8]
		if _, err := io.ReadFull(rd, buf); err != nil {
			return fmt.Errorf("read lost record: %w", err)
		}
		if _, err := io.ReadFull(rd, buf); err != nil {
			return fmt.Errorf("read lost record: %w", err)
		}

		rec.RawSample = rec.RawSample[:0]
		rec.LostSamples = internal.NativeEndian.Uint64(buf)
		return nil

	case unix.PERF_RECORD_SAMPLE:
		// struct perf_event_sample: a u32 size followed by that many
		// bytes of data, padded by the kernel to 8 byte alignment.
		buf = buf[:4]
		if _, err := io.ReadFull(rd, buf); err != nil {
			return fmt.Errorf("read sample size: %w", err)
		}
		size := int(internal.NativeEndian.Uint32(buf))

		data := rec.RawSample
		if cap(data) < size {
			data = make([]byte, size)
		}
		data = data[:size]

		if _, err := io.ReadFull(rd, data); err != nil {
			return fmt.Errorf("read sample: %w", err)
		}

		rec.RawSample = data
		rec.LostSamples = 0
		return nil

	default:
		// Skip the payload so the next record can be parsed.
		if remaining := int64(header.Size) - perfEventHeaderSize; remaining > 0 {
			if _, err := io.CopyN(io.Discard, rd, remaining); err != nil {
				return fmt.Errorf("skip event type %d: %w", header.Type, err)
			}
		}
		return fmt.Errorf("%w: %d", errUnknownEvent, header.Type)
	}
}

// Reader reads bpf_perf_event_output records from the rings of a perf
// event array map.
type Reader struct {
	poller *epoll.Poller

	// mu protects everything below, except pauseFds which has its own
	// lock. When taking both, mu must be locked first.
	mu sync.Mutex

	// Closing a perf event array removes all event fds stored in it, so
	// the Reader keeps its own reference to the map.
	array       *redbpf.Map
	rings       []*perfEventRing
	epollEvents []unix.EpollEvent
	epollRings  []*perfEventRing
	eventHeader []byte
	deadline    time.Time

	// pauseFds mirrors the fds of rings, -1 where a CPU has no ring.
	// The separate lock lets Pause and Resume run while a Read is
	// blocked in the poller.
	pauseMu  sync.Mutex
	pauseFds []int

	logger  *zap.Logger
	skipped atomic.Uint64
}

// ReaderOptions control the behaviour of a Reader.
type ReaderOptions struct {
	// Watermark is the number of written bytes required in any per-CPU
	// buffer before Read will process data. Must be smaller than the
	// per-CPU buffer size; the default is to process data as soon as it
	// is available.
	Watermark int

	// Logger receives a warning per skipped corrupt record. Defaults to
	// a no-op logger.
	Logger *zap.Logger
}

// NewReader creates a Reader with default options.
//
// array must be a perf event array. perCPUBuffer gives the size of each
// per-CPU ring in bytes, rounded up to a whole power-of-two number of
// pages.
func NewReader(array *redbpf.Map, perCPUBuffer int) (*Reader, error) {
	return NewReaderWithOptions(array, perCPUBuffer, ReaderOptions{})
}

// NewReaderWithOptions creates a Reader with the given options.
//
// Rings are created for every online CPU and their event fds stored in
// array keyed by CPU number, which is where bpf_perf_event_output looks
// them up when called with BPF_F_CURRENT_CPU.
func NewReaderWithOptions(array *redbpf.Map, perCPUBuffer int, opts ReaderOptions) (pr *Reader, err error) {
	if perCPUBuffer < 1 {
		return nil, errors.New("perCPUBuffer must be larger than 0")
	}

	if t := array.Type(); t != redbpf.PerfEventArray {
		return nil, fmt.Errorf("map %s is a %s, not a perf event array: %w", array.Name(), t, redbpf.ErrTypeMismatch)
	}

	logger := zap.NewNop()
	if opts.Logger != nil {
		logger = opts.Logger
	}

	cpus, err := internal.OnlineCPUs()
	if err != nil {
		return nil, fmt.Errorf("online cpus: %w", err)
	}

	poller, err := epoll.New()
	if err != nil {
		return nil, err
	}

	maxCPU := cpus[len(cpus)-1]
	rings := make([]*perfEventRing, maxCPU+1)
	pauseFds := make([]int, maxCPU+1)
	for i := range pauseFds {
		pauseFds[i] = -1
	}

	defer func() {
		if err != nil {
			poller.Close()
			for _, ring := range rings {
				if ring != nil {
					ring.Close()
				}
			}
		}
	}()

	// bpf_perf_event_output requires an event fd for the CPU it runs on,
	// wildcards are not allowed. One ring per online CPU; CPUs beyond
	// the array's size can't be written to by the kernel either way.
	for _, cpu := range cpus {
		if cpu >= int(array.MaxEntries()) {
			continue
		}

		ring, err := newPerfEventRing(cpu, perCPUBuffer, opts.Watermark)
		if errors.Is(err, unix.ENODEV) {
			// The CPU went offline since we enumerated it.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("perf ring for cpu %d: %w", cpu, err)
		}

		rings[cpu] = ring
		pauseFds[cpu] = ring.fd.Int()

		if err := poller.Add(ring.fd.Int(), cpu); err != nil {
			return nil, err
		}
	}

	cloned, err := array.Clone()
	if err != nil {
		return nil, err
	}

	pr = &Reader{
		poller:      poller,
		array:       cloned,
		rings:       rings,
		epollEvents: make([]unix.EpollEvent, len(cpus)),
		epollRings:  make([]*perfEventRing, 0, len(cpus)),
		eventHeader: make([]byte, perfEventHeaderSize),
		pauseFds:    pauseFds,
		logger:      logger,
	}

	if err = pr.Resume(); err != nil {
		cloned.Close()
		return nil, err
	}
	runtime.SetFinalizer(pr, (*Reader).Close)

	return pr, nil
}

// Close frees the rings and the reader's map handle.
//
// It interrupts a blocked Read, which returns ErrClosed. BPF programs
// writing to the array receive ENOENT once the fds are gone.
// Calling Close twice is a no-op.
func (pr *Reader) Close() error {
	if err := pr.poller.Close(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return fmt.Errorf("close poller: %w", err)
	}

	// Trying to poll now fails, so Read can't block anymore. Take the
	// locks to wait out a running Read before tearing down its rings.
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.pauseMu.Lock()
	defer pr.pauseMu.Unlock()

	for _, ring := range pr.rings {
		if ring != nil {
			ring.Close()
		}
	}
	pr.rings = nil
	pr.epollRings = nil
	pr.pauseFds = nil
	pr.array.Close()

	return nil
}

// Read the next record from the rings.
//
// Blocks until a record is available, the deadline set via SetDeadline
// expires (os.ErrDeadlineExceeded), or the Reader is closed (ErrClosed).
// Corrupt records are skipped and counted, see Skipped.
func (pr *Reader) Read() (Record, error) {
	var rec Record
	return rec, pr.ReadInto(&rec)
}

// ReadInto is like Read, but reuses rec.RawSample's capacity.
func (pr *Reader) ReadInto(rec *Record) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.rings == nil {
		return fmt.Errorf("perf ringbuffer: %w", ErrClosed)
	}

	for {
		if len(pr.epollRings) == 0 {
			nEvents, err := pr.poller.Wait(pr.epollEvents, pr.deadline)
			if err != nil {
				return err
			}

			for _, event := range pr.epollEvents[:nEvents] {
				ring := pr.rings[int(event.Pad)]
				pr.epollRings = append(pr.epollRings, ring)

				// Read the head pointer once per wakeup, not once
				// per record.
				ring.loadHead()
			}
		}

		// Start at the last ring; shrinking the slice is how processed
		// rings are retired, and the order doesn't matter.
		ring := pr.epollRings[len(pr.epollRings)-1]
		err := pr.readRecordFromRing(rec, ring)

		switch {
		case err == nil:
			return nil

		case errors.Is(err, errEOR):
			pr.epollRings = pr.epollRings[:len(pr.epollRings)-1]

		default:
			// The record's bytes are consumed either way, the stream
			// stays usable.
			pr.skipped.Add(1)
			pr.logger.Warn("skipping corrupt perf record",
				zap.Int("cpu", ring.cpu),
				zap.Error(err))
		}
	}
}

func (pr *Reader) readRecordFromRing(rec *Record, ring *perfEventRing) error {
	defer ring.writeTail()

	rec.CPU = ring.cpu
	return readRecord(ring, rec, pr.eventHeader)
}

// SetDeadline controls how long Read and ReadInto block waiting for
// records. A zero time removes the deadline.
//
// An already blocked Read is not affected, only subsequent calls.
func (pr *Reader) SetDeadline(t time.Time) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.deadline = t
}

// Pause stops notifications from the rings by removing their event fds
// from the array. BPF programs writing while paused receive ENOENT, and
// Read blocks until Resume.
func (pr *Reader) Pause() error {
	pr.pauseMu.Lock()
	defer pr.pauseMu.Unlock()

	if pr.pauseFds == nil {
		return fmt.Errorf("%w", ErrClosed)
	}

	for cpu, fd := range pr.pauseFds {
		if fd == -1 {
			continue
		}

		if err := pr.array.Delete(cpuKey(cpu)); err != nil && !errors.Is(err, redbpf.ErrKeyNotExist) {
			return fmt.Errorf("remove event fd for cpu %d: %w", cpu, err)
		}
	}

	return nil
}

// Resume allows the rings to emit notifications again by storing their
// event fds back into the array.
func (pr *Reader) Resume() error {
	pr.pauseMu.Lock()
	defer pr.pauseMu.Unlock()

	if pr.pauseFds == nil {
		return fmt.Errorf("%w", ErrClosed)
	}

	for cpu, fd := range pr.pauseFds {
		if fd == -1 {
			continue
		}

		if err := pr.array.Put(cpuKey(cpu), fdValue(fd)); err != nil {
			return fmt.Errorf("install event fd for cpu %d: %w", cpu, err)
		}
	}

	return nil
}

// Skipped returns the number of corrupt records dropped since the Reader
// was created.
func (pr *Reader) Skipped() uint64 {
	return pr.skipped.Load()
}

func cpuKey(cpu int) []byte {
	key := make([]byte, 4)
	internal.NativeEndian.PutUint32(key, uint32(cpu))
	return key
}

func fdValue(fd int) []byte {
	value := make([]byte, 4)
	internal.NativeEndian.PutUint32(value, uint32(fd))
	return value
}
