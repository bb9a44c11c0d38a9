package redbpf

import (
	"errors"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/internal"
	"github.com/mockersf/redbpf/internal/testutils"
)

func u32(v uint32) []byte {
	b := make([]byte, 4)
	internal.NativeEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	internal.NativeEndian.PutUint64(b, v)
	return b
}

func mustNewMap(tb testing.TB, spec *MapSpec) *Map {
	tb.Helper()

	m, err := newMap(spec)
	qt.Assert(tb, qt.IsNil(err))
	tb.Cleanup(func() { m.Close() })
	return m
}

func TestMapSizeChecks(t *testing.T) {
	// Size validation happens before any syscall, so a map handle backed
	// by a plain file is enough.
	m := devNullMap(t, "sized")

	_, err := m.Lookup(make([]byte, 3))
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidKeySize))

	err = m.LookupInto(make([]byte, 4), make([]byte, 5))
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidValueSize))

	err = m.Put(make([]byte, 5), make([]byte, 4))
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidKeySize))

	err = m.Put(make([]byte, 4), nil)
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidValueSize))

	err = m.Delete(make([]byte, 2))
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidKeySize))

	_, err = m.NextKey(make([]byte, 8))
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidKeySize))
}

func TestMapAccessors(t *testing.T) {
	testutils.RequireRoot(t)

	m := mustNewMap(t, &MapSpec{
		Name:       "accessors",
		Type:       Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 16,
	})

	qt.Assert(t, qt.Equals(m.Name(), "accessors"))
	qt.Assert(t, qt.Equals(m.Type(), Hash))
	qt.Assert(t, qt.Equals(m.KeySize(), uint32(4)))
	qt.Assert(t, qt.Equals(m.ValueSize(), uint32(8)))
	qt.Assert(t, qt.Equals(m.MaxEntries(), uint32(16)))
	qt.Assert(t, qt.Equals(m.Flags(), uint32(0)))
	qt.Assert(t, qt.IsTrue(m.FD() > 0))
	qt.Assert(t, qt.StringContains(m.String(), "accessors"))
}

func TestMapPutLookupDelete(t *testing.T) {
	testutils.RequireRoot(t)

	m := mustNewMap(t, &MapSpec{
		Name:       "kv",
		Type:       Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 8,
	})

	key := u32(42)

	_, err := m.Lookup(key)
	qt.Assert(t, qt.ErrorIs(err, ErrKeyNotExist))
	// The raw errno stays matchable through the sentinel.
	qt.Assert(t, qt.IsTrue(errors.Is(err, unix.ENOENT)))

	qt.Assert(t, qt.IsNil(m.Put(key, u64(1))))

	value, err := m.Lookup(key)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(value, u64(1)))

	// Put on an existing key overwrites.
	qt.Assert(t, qt.IsNil(m.Put(key, u64(2))))

	value, err = m.Lookup(key)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(value, u64(2)))

	qt.Assert(t, qt.IsNil(m.Delete(key)))
	qt.Assert(t, qt.ErrorIs(m.Delete(key), ErrKeyNotExist))

	_, err = m.Lookup(key)
	qt.Assert(t, qt.ErrorIs(err, ErrKeyNotExist))
}

func TestMapNextKey(t *testing.T) {
	testutils.RequireRoot(t)

	m := mustNewMap(t, &MapSpec{
		Name:       "walk",
		Type:       Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 8,
	})

	want := map[uint32]bool{1: true, 2: true, 3: true}
	for k := range want {
		qt.Assert(t, qt.IsNil(m.Put(u32(k), u64(uint64(k)))))
	}

	// Hash maps don't guarantee an order, so collect and compare as a set.
	got := make(map[uint32]bool)
	key, err := m.NextKey(nil)
	for err == nil {
		got[internal.NativeEndian.Uint32(key)] = true
		key, err = m.NextKey(key)
	}
	qt.Assert(t, qt.ErrorIs(err, ErrKeyNotExist))
	qt.Assert(t, qt.DeepEquals(got, want))
}

func TestMapIterate(t *testing.T) {
	testutils.RequireRoot(t)

	m := mustNewMap(t, &MapSpec{
		Name:       "iter",
		Type:       Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 8,
	})

	want := map[uint32]uint64{10: 100, 20: 200, 30: 300}
	for k, v := range want {
		qt.Assert(t, qt.IsNil(m.Put(u32(k), u64(v))))
	}

	got := make(map[uint32]uint64)
	var (
		key   = make([]byte, 4)
		value = make([]byte, 8)
	)
	iter := m.Iterate()
	for iter.Next(key, value) {
		got[internal.NativeEndian.Uint32(key)] = internal.NativeEndian.Uint64(value)
	}
	qt.Assert(t, qt.IsNil(iter.Err()))
	qt.Assert(t, qt.DeepEquals(got, want))
}

func TestMapIterateEmpty(t *testing.T) {
	testutils.RequireRoot(t)

	m := mustNewMap(t, &MapSpec{
		Name:       "empty",
		Type:       Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 8,
	})

	iter := m.Iterate()
	qt.Assert(t, qt.IsFalse(iter.Next(make([]byte, 4), make([]byte, 8))))
	qt.Assert(t, qt.IsNil(iter.Err()))
}

func TestMapArray(t *testing.T) {
	testutils.RequireRoot(t)

	m := mustNewMap(t, &MapSpec{
		Name:       "array",
		Type:       Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 2,
	})

	// Array elements exist from the start, zeroed.
	value, err := m.Lookup(u32(0))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(value, u64(0)))

	qt.Assert(t, qt.IsNil(m.Put(u32(1), u64(7))))
	value, err = m.Lookup(u32(1))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(value, u64(7)))

	// Arrays don't support deletion; the kernel's errno comes through as
	// a SyscallError.
	err = m.Delete(u32(1))
	var serr *SyscallError
	qt.Assert(t, qt.IsTrue(errors.As(err, &serr)))
	qt.Assert(t, qt.Equals(serr.Errno, unix.EINVAL))
}

func TestMapPerCPU(t *testing.T) {
	testutils.RequireRoot(t)

	cpus, err := internal.PossibleCPUs()
	qt.Assert(t, qt.IsNil(err))

	m := mustNewMap(t, &MapSpec{
		Name:       "percpu",
		Type:       PerCPUArray,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})

	// One 8-byte slot per possible CPU.
	qt.Assert(t, qt.Equals(m.ValueSize(), uint32(8)))

	value := make([]byte, 8*cpus)
	for cpu := 0; cpu < cpus; cpu++ {
		internal.NativeEndian.PutUint64(value[cpu*8:], uint64(cpu)+1)
	}
	qt.Assert(t, qt.IsNil(m.Put(u32(0), value)))

	got, err := m.Lookup(u32(0))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(got, value))

	// A buffer smaller than one slot is rejected up front.
	qt.Assert(t, qt.ErrorIs(m.Put(u32(0), u32(1)), ErrInvalidValueSize))
}

func TestMapClone(t *testing.T) {
	testutils.RequireRoot(t)

	m := mustNewMap(t, &MapSpec{
		Name:       "clone",
		Type:       Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 8,
	})
	qt.Assert(t, qt.IsNil(m.Put(u32(1), u64(1))))

	clone, err := m.Clone()
	qt.Assert(t, qt.IsNil(err))
	defer clone.Close()

	qt.Assert(t, qt.Not(qt.Equals(clone.FD(), m.FD())))

	// The kernel map survives closing the original handle.
	qt.Assert(t, qt.IsNil(m.Close()))
	qt.Assert(t, qt.Equals(m.FD(), -1))

	value, err := clone.Lookup(u32(1))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(value, u64(1)))

	qt.Assert(t, qt.IsNil(clone.Close()))
	qt.Assert(t, qt.IsNil(clone.Close()))
}

func TestNewMapInvalidSpec(t *testing.T) {
	testutils.RequireRoot(t)

	// A hash map with a zero key size is rejected by the kernel.
	_, err := newMap(&MapSpec{
		Name:       "bogus",
		Type:       Hash,
		KeySize:    0,
		ValueSize:  8,
		MaxEntries: 8,
	})

	var serr *SyscallError
	qt.Assert(t, qt.IsTrue(errors.As(err, &serr)))
	qt.Assert(t, qt.Equals(serr.Errno, unix.EINVAL))
	qt.Assert(t, qt.StringContains(err.Error(), "map create"))
}
