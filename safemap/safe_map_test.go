package safemap

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[int, string]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Keys())
}

func TestSafeMap_Store_Load(t *testing.T) {
	m := NewSafeMap[int, string]()

	t.Run("load after store", func(t *testing.T) {
		m.Store(1, "connecting")
		v, ok := m.Load(1)
		assert.True(t, ok)
		assert.Equal(t, "connecting", v)
	})

	t.Run("store overwrites", func(t *testing.T) {
		m.Store(1, "receiving")
		v, _ := m.Load(1)
		assert.Equal(t, "receiving", v)
	})

	t.Run("missing key yields zero value", func(t *testing.T) {
		v, ok := m.Load(99)
		assert.False(t, ok)
		assert.Empty(t, v)
	})
}

func TestSafeMap_LoadOrStore(t *testing.T) {
	m := NewSafeMap[string, int]()

	v, loaded := m.LoadOrStore("a", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, v)

	v, loaded = m.LoadOrStore("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)
}

func TestSafeMap_LoadOrStore_concurrent(t *testing.T) {
	m := NewSafeMap[string, *int]()
	const n = 100
	winners := make([]*int, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			candidate := idx
			winners[idx], _ = m.LoadOrStore("key", &candidate)
		}(i)
	}
	wg.Wait()

	for _, w := range winners {
		assert.Same(t, winners[0], w)
	}
}

func TestSafeMap_Delete(t *testing.T) {
	m := NewSafeMap[int, int]()
	m.Store(1, 1)
	m.Delete(1)
	m.Delete(2)

	_, ok := m.Load(1)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestSafeMap_Range(t *testing.T) {
	t.Run("visits every entry", func(t *testing.T) {
		m := NewSafeMap[int, int]()
		for i := 0; i < 5; i++ {
			m.Store(i, i*10)
		}

		sum := 0
		m.Range(func(k, v int) bool {
			sum += v
			return true
		})
		assert.Equal(t, 100, sum)
	})

	t.Run("stops when f returns false", func(t *testing.T) {
		m := NewSafeMap[int, int]()
		for i := 0; i < 5; i++ {
			m.Store(i, i)
		}

		visited := 0
		m.Range(func(k, v int) bool {
			visited++
			return false
		})
		assert.Equal(t, 1, visited)
	})
}

func TestSafeMap_Keys_Len_CountFunc(t *testing.T) {
	m := NewSafeMap[int, string]()
	m.Store(3, "closed")
	m.Store(1, "receiving")
	m.Store(2, "receiving")

	keys := m.Keys()
	sort.Ints(keys)
	assert.Equal(t, []int{1, 2, 3}, keys)
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 2, m.CountFunc(func(_ int, v string) bool { return v == "receiving" }))
}

func TestSafeMap_concurrent_store(t *testing.T) {
	m := NewSafeMap[int, int]()
	const n = 500

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			m.Store(idx, idx)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, m.Len())
}
