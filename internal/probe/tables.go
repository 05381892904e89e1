package probe

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goradd/maps"
)

// DefaultTableCapacity matches the default size of a BPF_HASH.
const DefaultTableCapacity = 10240

// ErrTableFull is returned when inserting a new key into a table at capacity.
var ErrTableFull = errors.New("correlation table full")

// Table is a bounded key-value correlation table with explicit lifecycle.
// Lookup collapses read failures to "absent".
type Table[K comparable, V any] interface {
	Update(key K, value V) error
	Lookup(key K) (V, bool)
	Delete(key K)
}

// PidSet is the traced_pids membership set consulted by the Filter.
type PidSet interface {
	Add(pid uint32) error
	Remove(pid uint32)
	Contains(pid uint32) bool
}

// Tables groups the correlation state shared by all probes.
type Tables struct {
	EntryTimestamps Table[uint32, uint64]
	PendingSockets  Table[uint32, Sock]
	PendingForks    Table[uint32, uint64]
	PendingExits    Table[uint32, uint64]
	TracedPids      PidSet
}

// NewMemTables returns in-memory tables bounded to capacity entries each.
func NewMemTables(capacity int) Tables {
	return Tables{
		EntryTimestamps: NewMemTable[uint32, uint64](capacity),
		PendingSockets:  NewMemTable[uint32, Sock](capacity),
		PendingForks:    NewMemTable[uint32, uint64](capacity),
		PendingExits:    NewMemTable[uint32, uint64](capacity),
		TracedPids:      NewMemPidSet(capacity),
	}
}

// withDefaults fills unset tables with in-memory ones.
func (t Tables) withDefaults(capacity int) Tables {
	mem := NewMemTables(capacity)
	if t.EntryTimestamps == nil {
		t.EntryTimestamps = mem.EntryTimestamps
	}
	if t.PendingSockets == nil {
		t.PendingSockets = mem.PendingSockets
	}
	if t.PendingForks == nil {
		t.PendingForks = mem.PendingForks
	}
	if t.PendingExits == nil {
		t.PendingExits = mem.PendingExits
	}
	if t.TracedPids == nil {
		t.TracedPids = mem.TracedPids
	}
	return t
}

// MemTable is a concurrent in-memory Table.
//
// The capacity check and the insert are not one atomic step, so concurrent
// inserts of distinct new keys may overshoot capacity by at most the number of
// concurrent writers.
type MemTable[K comparable, V any] struct {
	capacity int
	entries  maps.SafeMap[K, V]
}

// NewMemTable creates a table. capacity <= 0 means unbounded.
func NewMemTable[K comparable, V any](capacity int) *MemTable[K, V] {
	return &MemTable[K, V]{capacity: capacity}
}

// Update inserts or overwrites key.
func (t *MemTable[K, V]) Update(key K, value V) error {
	if t.capacity > 0 && !t.entries.Has(key) && t.entries.Len() >= t.capacity {
		return ErrTableFull
	}
	t.entries.Set(key, value)
	return nil
}

// Lookup returns the value stored under key.
func (t *MemTable[K, V]) Lookup(key K) (V, bool) {
	return t.entries.Load(key)
}

// Delete removes key if present.
func (t *MemTable[K, V]) Delete(key K) {
	t.entries.Delete(key)
}

// Len returns the number of pending entries.
func (t *MemTable[K, V]) Len() int {
	return t.entries.Len()
}

// MemPidSet is a concurrent in-memory PidSet.
type MemPidSet struct {
	capacity int
	pids     mapset.Set[uint32]
}

// NewMemPidSet creates a set. capacity <= 0 means unbounded.
func NewMemPidSet(capacity int) *MemPidSet {
	return &MemPidSet{capacity: capacity, pids: mapset.NewSet[uint32]()}
}

// Add inserts pid.
func (s *MemPidSet) Add(pid uint32) error {
	if s.capacity > 0 && !s.pids.ContainsOne(pid) && s.pids.Cardinality() >= s.capacity {
		return ErrTableFull
	}
	s.pids.Add(pid)
	return nil
}

// Remove deletes pid.
func (s *MemPidSet) Remove(pid uint32) {
	s.pids.Remove(pid)
}

// Contains reports membership.
func (s *MemPidSet) Contains(pid uint32) bool {
	return s.pids.ContainsOne(pid)
}

// Len returns the number of members.
func (s *MemPidSet) Len() int {
	return s.pids.Cardinality()
}
