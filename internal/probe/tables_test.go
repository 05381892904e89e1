package probe

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemTable_Lifecycle(t *testing.T) {
	table := NewMemTable[uint32, uint64](2)

	require.NoError(t, table.Update(1, 100))
	require.NoError(t, table.Update(1, 200), "overwrite never counts against capacity")
	v, ok := table.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, uint64(200), v)

	require.NoError(t, table.Update(2, 300))
	err := table.Update(3, 400)
	assert.True(t, errors.Is(err, ErrTableFull))
	_, ok = table.Lookup(3)
	assert.False(t, ok)

	require.NoError(t, table.Update(2, 301), "existing key can be overwritten when full")

	table.Delete(1)
	table.Delete(1)
	assert.Equal(t, 1, table.Len())
	require.NoError(t, table.Update(3, 400))
}

func TestMemTable_ConcurrentDistinctKeys(t *testing.T) {
	table := NewMemTable[uint32, uint64](0)

	var wg sync.WaitGroup
	for worker := uint32(0); worker < 8; worker++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			for i := uint64(0); i < 1000; i++ {
				_ = table.Update(tid, i)
				v, ok := table.Lookup(tid)
				if !ok || v != i {
					t.Errorf("tid %d: got (%d, %v), want (%d, true)", tid, v, ok, i)
					return
				}
				table.Delete(tid)
			}
		}(worker)
	}
	wg.Wait()
	assert.Zero(t, table.Len())
}

func TestMemPidSet(t *testing.T) {
	set := NewMemPidSet(1)
	require.NoError(t, set.Add(7))
	require.NoError(t, set.Add(7))
	assert.True(t, errors.Is(set.Add(8), ErrTableFull))
	assert.True(t, set.Contains(7))
	assert.False(t, set.Contains(8))

	set.Remove(7)
	assert.False(t, set.Contains(7))
	assert.Zero(t, set.Len())
}
