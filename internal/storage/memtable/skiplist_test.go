package memtable

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipList_Insert(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		verify func(*testing.T, *SkipList[string])
	}{
		{
			name:  "insert single element",
			key:   "key1",
			value: "value1",
			verify: func(t *testing.T, sl *SkipList[string]) {
				val, found := sl.Search("key1")
				assert.True(t, found)
				assert.Equal(t, "value1", val)
			},
		},
		{
			name:  "insert multiple elements",
			key:   "key2",
			value: "value2",
			verify: func(t *testing.T, sl *SkipList[string]) {
				assert.True(t, sl.Insert("key3", "value3"))
				assert.True(t, sl.Insert("key1", "value1"))

				assert.Equal(t, 3, sl.Len())
				val, found := sl.Search("key1")
				assert.True(t, found)
				assert.Equal(t, "value1", val)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl := NewSkipList[string]()
			sl.Insert(tt.key, tt.value)
			tt.verify(t, sl)
		})
	}
}

func TestSkipList_Update(t *testing.T) {
	sl := NewSkipList[string]()

	assert.True(t, sl.Insert("key1", "value1"))
	assert.False(t, sl.Insert("key1", "value2"))

	val, found := sl.Search("key1")
	require.True(t, found)
	assert.Equal(t, "value2", val)
	assert.Equal(t, 1, sl.Len())
}

func TestSkipList_Search(t *testing.T) {
	sl := NewSkipList[int]()
	sl.Insert("apple", 1)
	sl.Insert("banana", 2)
	sl.Insert("cherry", 3)

	tests := []struct {
		name      string
		key       string
		wantValue int
		wantFound bool
	}{
		{"search existing key", "banana", 2, true},
		{"search non-existing key", "mango", 0, false},
		{"search first key", "apple", 1, true},
		{"search last key", "cherry", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, found := sl.Search(tt.key)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantValue, val)
		})
	}
}

func TestSkipList_Delete(t *testing.T) {
	sl := NewSkipList[string]()
	sl.Insert("key1", "value1")
	sl.Insert("key2", "value2")
	sl.Insert("key3", "value3")

	assert.True(t, sl.Delete("key2"))
	assert.False(t, sl.Delete("key4"))
	assert.Equal(t, 2, sl.Len())

	_, found := sl.Search("key2")
	assert.False(t, found)
}

func TestSkipList_IteratorIsOrdered(t *testing.T) {
	sl := NewSkipListWithSeed[int](42)

	var want []string
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("job.%d", (i*7919)%500)
		sl.Insert(key, i)
		want = append(want, key)
	}
	sort.Strings(want)

	var keys []string
	for iter := sl.Iterator(); iter.Next(); {
		keys = append(keys, iter.Key())
	}
	assert.Equal(t, want, keys)
}

func TestSkipList_Seek(t *testing.T) {
	sl := NewSkipList[int]()
	for i, k := range []string{"a", "c", "e", "g"} {
		sl.Insert(k, i)
	}

	iter := sl.Seek("d")
	require.True(t, iter.Next())
	assert.Equal(t, "e", iter.Key())
	assert.Equal(t, 2, iter.Value())

	iter = sl.Seek("z")
	assert.False(t, iter.Next())
}

func TestSkipList_Clear(t *testing.T) {
	sl := NewSkipList[int]()
	sl.Insert("a", 1)
	sl.Insert("b", 2)
	sl.Clear()

	assert.Equal(t, 0, sl.Len())
	assert.False(t, sl.Iterator().Next())
	assert.True(t, sl.Insert("a", 3))
}

func TestSkipList_Empty(t *testing.T) {
	sl := NewSkipList[string]()

	_, found := sl.Search("key1")
	assert.False(t, found)
	assert.False(t, sl.Delete("key1"))
	assert.False(t, sl.Iterator().Next())
	assert.Equal(t, 0, sl.Len())
}

func BenchmarkSkipList_Insert(b *testing.B) {
	sl := NewSkipList[string]()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Insert(fmt.Sprintf("key%d", i), "value")
	}
}
