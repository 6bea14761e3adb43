package service

import (
	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/storage/memtable"
)

// RecordTable is the in-memory key to record mapping rebuilt from the log.
// It is owned by a single StoreService and is not safe for concurrent use.
type RecordTable struct {
	data *memtable.SkipList[classad.Ad]
	size int64
}

// NewRecordTable creates an empty record table
func NewRecordTable() *RecordTable {
	return &RecordTable{data: memtable.NewSkipList[classad.Ad]()}
}

// Get returns the stored record. The result aliases the table and must not
// be modified; use Lookup for a private copy.
func (t *RecordTable) Get(key string) (classad.Ad, bool) {
	return t.data.Search(key)
}

// Lookup returns a copy of the stored record.
func (t *RecordTable) Lookup(key string) (classad.Ad, bool) {
	ad, ok := t.data.Search(key)
	if !ok {
		return nil, false
	}
	return ad.Copy(), true
}

// Contains reports whether key is present.
func (t *RecordTable) Contains(key string) bool {
	_, ok := t.data.Search(key)
	return ok
}

// Put stores ad under key and reports whether the key is new.
func (t *RecordTable) Put(key string, ad classad.Ad) bool {
	if old, ok := t.data.Search(key); ok {
		t.size -= estimateSize(key, old)
	}
	t.size += estimateSize(key, ad)
	return t.data.Insert(key, ad)
}

// Delete removes key and reports whether it was present.
func (t *RecordTable) Delete(key string) bool {
	old, ok := t.data.Search(key)
	if !ok {
		return false
	}
	t.size -= estimateSize(key, old)
	return t.data.Delete(key)
}

// Len returns the number of records
func (t *RecordTable) Len() int {
	return t.data.Len()
}

// Size returns the approximate encoded size of all records in bytes.
func (t *RecordTable) Size() int64 {
	return t.size
}

// Range calls fn for every record in key order until fn returns false.
// fn must not modify the table.
func (t *RecordTable) Range(fn func(key string, ad classad.Ad) bool) {
	t.RangeFrom("", fn)
}

// RangeFrom is Range starting at the first key >= start.
func (t *RecordTable) RangeFrom(start string, fn func(key string, ad classad.Ad) bool) {
	it := t.data.Seek(start)
	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			return
		}
	}
}

// Keys returns every key in order.
func (t *RecordTable) Keys() []string {
	keys := make([]string, 0, t.data.Len())
	t.Range(func(key string, _ classad.Ad) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Clear removes every record.
func (t *RecordTable) Clear() {
	t.data.Clear()
	t.size = 0
}

func estimateSize(key string, ad classad.Ad) int64 {
	return int64(len(key) + len(ad.String()) + 16)
}
