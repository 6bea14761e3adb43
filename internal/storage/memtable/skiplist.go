package memtable

import (
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// SkipListNode represents a node in the skip list
type SkipListNode[V any] struct {
	Key     string
	Value   V
	Forward []*SkipListNode[V]
}

// SkipList is a key-ordered map used as the record table. It is not safe
// for concurrent use.
type SkipList[V any] struct {
	Head  *SkipListNode[V]
	Level int
	Size  int
	rnd   *rand.Rand
}

// NewSkipList creates a new skip list
func NewSkipList[V any]() *SkipList[V] {
	return NewSkipListWithSeed[V](rand.Int63())
}

// NewSkipListWithSeed creates a skip list with a deterministic level
// generator.
func NewSkipListWithSeed[V any](seed int64) *SkipList[V] {
	head := &SkipListNode[V]{
		Forward: make([]*SkipListNode[V], MaxLevel),
	}
	return &SkipList[V]{
		Head: head,
		rnd:  rand.New(rand.NewSource(seed)),
	}
}

// randomLevel generates a random level for a new node
func (sl *SkipList[V]) randomLevel() int {
	level := 0
	for sl.rnd.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the rightmost node before key on
// every level and returns the first node at or after key.
func (sl *SkipList[V]) findPredecessors(key string, update []*SkipListNode[V]) *SkipListNode[V] {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < key {
			current = current.Forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.Forward[0]
}

// Insert adds or replaces a key-value pair. It reports whether the key was
// new.
func (sl *SkipList[V]) Insert(key string, value V) bool {
	update := make([]*SkipListNode[V], MaxLevel)
	current := sl.findPredecessors(key, update)

	if current != nil && current.Key == key {
		current.Value = value
		return false
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.Level {
		for i := sl.Level + 1; i <= newLevel; i++ {
			update[i] = sl.Head
		}
		sl.Level = newLevel
	}

	newNode := &SkipListNode[V]{
		Key:     key,
		Value:   value,
		Forward: make([]*SkipListNode[V], newLevel+1),
	}

	for i := 0; i <= newLevel; i++ {
		newNode.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = newNode
	}

	sl.Size++
	return true
}

// Search finds a value by key
func (sl *SkipList[V]) Search(key string) (V, bool) {
	current := sl.findPredecessors(key, nil)
	if current != nil && current.Key == key {
		return current.Value, true
	}

	var zero V
	return zero, false
}

// Delete removes a key from the skip list
func (sl *SkipList[V]) Delete(key string) bool {
	update := make([]*SkipListNode[V], MaxLevel)
	current := sl.findPredecessors(key, update)
	if current == nil || current.Key != key {
		return false
	}

	for i := 0; i <= sl.Level; i++ {
		if update[i].Forward[i] != current {
			break
		}
		update[i].Forward[i] = current.Forward[i]
	}

	for sl.Level > 0 && sl.Head.Forward[sl.Level] == nil {
		sl.Level--
	}

	sl.Size--
	return true
}

// Clear removes every key.
func (sl *SkipList[V]) Clear() {
	for i := range sl.Head.Forward {
		sl.Head.Forward[i] = nil
	}
	sl.Level = 0
	sl.Size = 0
}

// Len returns the number of elements in the skip list
func (sl *SkipList[V]) Len() int {
	return sl.Size
}

// Iterator returns an iterator positioned before the first key
func (sl *SkipList[V]) Iterator() *SkipListIterator[V] {
	return &SkipListIterator[V]{
		current: sl.Head,
	}
}

// Seek returns an iterator positioned before the first key >= key.
func (sl *SkipList[V]) Seek(key string) *SkipListIterator[V] {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < key {
			current = current.Forward[i]
		}
	}
	return &SkipListIterator[V]{current: current}
}

// SkipListIterator iterates over skip list entries in key order. Entries
// must not be deleted while an iterator is in use.
type SkipListIterator[V any] struct {
	current *SkipListNode[V]
}

// Next moves to the next element
func (it *SkipListIterator[V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *SkipListIterator[V]) Key() string {
	if it.current == nil {
		return ""
	}
	return it.current.Key
}

// Value returns the current value
func (it *SkipListIterator[V]) Value() V {
	if it.current == nil {
		var zero V
		return zero
	}
	return it.current.Value
}
