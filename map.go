package redbpf

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/internal"
	"github.com/mockersf/redbpf/internal/sys"
)

// ErrIterationAborted is returned by MapIterator.Err when a hash map is
// mutated so heavily during iteration that it can't make progress.
var ErrIterationAborted = errors.New("iteration aborted")

// Map is a handle to a map loaded into the kernel.
//
// Keys and values are raw byte buffers whose lengths must match the sizes
// declared in the object file. Methods are safe for concurrent use; the
// kernel serializes element access.
//
// The kernel keeps a map alive for as long as any handle to it exists:
// a program that uses the map, a Clone of the handle, or a perf reader
// holding on to it. Close only releases this handle's reference.
type Map struct {
	name       string
	fd         *sys.FD
	typ        MapType
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	flags      uint32

	// Number of bytes the kernel transfers per element. Differs from
	// valueSize for per-CPU maps, which read and write one value per
	// possible CPU at a time.
	fullValueSize uint32
}

// newMap creates a kernel map from a spec.
func newMap(spec *MapSpec) (*Map, error) {
	attr := sys.MapCreateAttr{
		MapType:    uint32(spec.Type),
		KeySize:    spec.KeySize,
		ValueSize:  spec.ValueSize,
		MaxEntries: spec.MaxEntries,
		MapFlags:   spec.Flags,
		MapName:    sys.NewObjName(spec.Name),
	}

	fd, err := sys.MapCreate(&attr)
	if err != nil {
		return nil, wrapSyscallError("map create", err)
	}

	m := &Map{
		name:          spec.Name,
		fd:            fd,
		typ:           spec.Type,
		keySize:       spec.KeySize,
		valueSize:     spec.ValueSize,
		maxEntries:    spec.MaxEntries,
		flags:         spec.Flags,
		fullValueSize: spec.ValueSize,
	}

	if spec.Type.hasPerCPUValue() {
		cpus, err := internal.PossibleCPUs()
		if err != nil {
			fd.Close()
			return nil, fmt.Errorf("per-cpu value size: %w", err)
		}
		// Individual values are padded to 8 bytes in the kernel's
		// per-CPU element layout.
		m.fullValueSize = uint32(internal.Align(int(spec.ValueSize), 8) * cpus)
	}

	return m, nil
}

func (m *Map) String() string {
	return fmt.Sprintf("%s(%s)#%v", m.typ, m.name, m.fd)
}

// Name of the map as declared in the object file.
func (m *Map) Name() string {
	return m.name
}

// Type of the map.
func (m *Map) Type() MapType {
	return m.typ
}

// KeySize of the map in bytes.
func (m *Map) KeySize() uint32 {
	return m.keySize
}

// ValueSize of the map in bytes.
//
// For per-CPU maps this is the size of the value for a single CPU;
// buffers passed to Lookup and Put hold one such value per possible CPU,
// each padded to 8 bytes.
func (m *Map) ValueSize() uint32 {
	return m.valueSize
}

// MaxEntries of the map.
func (m *Map) MaxEntries() uint32 {
	return m.maxEntries
}

// Flags the map was created with.
func (m *Map) Flags() uint32 {
	return m.flags
}

// FD returns the file descriptor of the map, or -1 after Close.
func (m *Map) FD() int {
	return m.fd.Int()
}

func (m *Map) checkKey(key []byte) error {
	if uint32(len(key)) != m.keySize {
		return fmt.Errorf("map %s: key of %d bytes, want %d: %w", m.name, len(key), m.keySize, ErrInvalidKeySize)
	}
	return nil
}

func (m *Map) checkValue(value []byte) error {
	if uint32(len(value)) != m.fullValueSize {
		return fmt.Errorf("map %s: value of %d bytes, want %d: %w", m.name, len(value), m.fullValueSize, ErrInvalidValueSize)
	}
	return nil
}

// Lookup retrieves the value stored under key into a fresh buffer.
//
// Returns an error wrapping ErrKeyNotExist if the key is absent.
func (m *Map) Lookup(key []byte) ([]byte, error) {
	value := make([]byte, m.fullValueSize)
	if err := m.LookupInto(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

// LookupInto retrieves the value stored under key into valueOut, which must
// be exactly as long as the map's value size.
func (m *Map) LookupInto(key, valueOut []byte) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	if err := m.checkValue(valueOut); err != nil {
		return err
	}

	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(key),
		Value: sys.NewSlicePointer(valueOut),
	}

	if err := sys.MapLookupElem(&attr); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("map %s: lookup: %w", m.name, sys.Error(ErrKeyNotExist, unix.ENOENT))
		}
		return wrapSyscallError(fmt.Sprintf("map %s: lookup", m.name), err)
	}

	return nil
}

// Put stores value under key, creating the element if it doesn't exist yet.
func (m *Map) Put(key, value []byte) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	if err := m.checkValue(value); err != nil {
		return err
	}

	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(key),
		Value: sys.NewSlicePointer(value),
	}

	if err := sys.MapUpdateElem(&attr); err != nil {
		return wrapSyscallError(fmt.Sprintf("map %s: update", m.name), err)
	}

	return nil
}

// Delete removes the element stored under key.
//
// Returns an error wrapping ErrKeyNotExist if the key is absent.
func (m *Map) Delete(key []byte) error {
	if err := m.checkKey(key); err != nil {
		return err
	}

	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(key),
	}

	if err := sys.MapDeleteElem(&attr); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("map %s: delete: %w", m.name, sys.Error(ErrKeyNotExist, unix.ENOENT))
		}
		return wrapSyscallError(fmt.Sprintf("map %s: delete", m.name), err)
	}

	return nil
}

// NextKey returns the key following key in the map's iteration order. Pass
// nil to retrieve the first key.
//
// Returns an error wrapping ErrKeyNotExist when key is the last one.
func (m *Map) NextKey(key []byte) ([]byte, error) {
	if key != nil {
		if err := m.checkKey(key); err != nil {
			return nil, err
		}
	}

	nextKey := make([]byte, m.keySize)
	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(key),
		// Value doubles as next_key for BPF_MAP_GET_NEXT_KEY.
		Value: sys.NewSlicePointer(nextKey),
	}

	if err := sys.MapGetNextKey(&attr); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("map %s: next key: %w", m.name, sys.Error(ErrKeyNotExist, unix.ENOENT))
		}
		return nil, wrapSyscallError(fmt.Sprintf("map %s: next key", m.name), err)
	}

	return nextKey, nil
}

// Iterate traverses all elements of the map.
//
// Elements added or removed while iterating may or may not be observed.
func (m *Map) Iterate() *MapIterator {
	return &MapIterator{
		target: m,
		// Hash maps may shuffle their contents when elements are added or
		// removed concurrently. Restarting from the first key whenever an
		// element vanishes mid-iteration recovers from this, but bound the
		// number of runs to avoid looping forever.
		maxRestarts: 3,
	}
}

// Clone duplicates the handle.
//
// The clone refers to the same kernel map but has an independent lifetime:
// closing the original, or the Module that created it, doesn't invalidate
// the clone.
func (m *Map) Clone() (*Map, error) {
	dup, err := m.fd.Dup()
	if err != nil {
		return nil, fmt.Errorf("clone map %s: %w", m.name, err)
	}

	return &Map{
		name:          m.name,
		fd:            dup,
		typ:           m.typ,
		keySize:       m.keySize,
		valueSize:     m.valueSize,
		maxEntries:    m.maxEntries,
		flags:         m.flags,
		fullValueSize: m.fullValueSize,
	}, nil
}

// Close releases the handle's reference to the kernel map.
//
// The kernel map itself is destroyed once the last reference is gone.
// Calling Close twice is a no-op.
func (m *Map) Close() error {
	if m == nil {
		return nil
	}

	return m.fd.Close()
}

// MapIterator iterates a Map.
type MapIterator struct {
	target      *Map
	prevKey     []byte
	count       uint32
	maxRestarts int
	done        bool
	err         error
}

// Next decodes the next key and value into keyOut and valueOut, which must
// match the map's key and value sizes.
//
// Returns false when no more elements are available or an error occurred;
// tell the two apart with Err.
func (mi *MapIterator) Next(keyOut, valueOut []byte) bool {
	if mi.err != nil || mi.done {
		return false
	}

	// An iteration only ever yields up to maxEntries elements, anything
	// beyond that means we are chasing a hash map being rehashed under us.
	for mi.count <= mi.target.maxEntries {
		nextKey, err := mi.target.NextKey(mi.prevKey)
		if errors.Is(err, ErrKeyNotExist) {
			mi.done = true
			return false
		}
		if err != nil {
			mi.err = err
			return false
		}

		err = mi.target.LookupInto(nextKey, valueOut)
		if errors.Is(err, ErrKeyNotExist) {
			// The element was deleted between NextKey and Lookup. Restart
			// from the first key, since prevKey may be gone as well.
			if mi.maxRestarts == 0 {
				mi.err = fmt.Errorf("map %s: %w", mi.target.name, ErrIterationAborted)
				return false
			}
			mi.maxRestarts--
			mi.prevKey = nil
			continue
		}
		if err != nil {
			mi.err = err
			return false
		}

		mi.prevKey = nextKey
		mi.count++
		copy(keyOut, nextKey)
		return true
	}

	mi.err = fmt.Errorf("map %s: %w", mi.target.name, ErrIterationAborted)
	return false
}

// Err returns the error that stopped the iteration, if any.
func (mi *MapIterator) Err() error {
	return mi.err
}
