package service

import (
	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/model"
)

// Transaction is an ordered buffer of record entries that have not been
// written to the log.
type Transaction struct {
	entries []*model.LogEntry
}

func newTransaction() *Transaction {
	return &Transaction{}
}

// Append buffers an entry.
func (t *Transaction) Append(entry *model.LogEntry) {
	t.entries = append(t.entries, entry)
}

// Len returns the number of buffered entries
func (t *Transaction) Len() int {
	return len(t.entries)
}

// Framed returns the buffered entries wrapped in transaction markers, as
// they are written to the log. It returns nil for an empty transaction.
func (t *Transaction) Framed() []*model.LogEntry {
	if len(t.entries) == 0 {
		return nil
	}
	framed := make([]*model.LogEntry, 0, len(t.entries)+2)
	framed = append(framed, &model.LogEntry{Op: model.OpBeginTransaction})
	framed = append(framed, t.entries...)
	framed = append(framed, &model.LogEntry{Op: model.OpEndTransaction})
	return framed
}

// Lookup returns key as it would be after commit, starting from its
// committed value. committed is not modified.
func (t *Transaction) Lookup(key string, committed classad.Ad, exists bool) (classad.Ad, bool) {
	ad := committed
	if exists {
		ad = committed.Copy()
	}
	for _, entry := range t.entries {
		if entry.Key == key {
			ad, exists = replayOnto(ad, exists, entry)
		}
	}
	if !exists {
		return nil, false
	}
	return ad, true
}

// Touches reports whether any buffered entry refers to key.
func (t *Transaction) Touches(key string) bool {
	for _, entry := range t.entries {
		if entry.Key == key {
			return true
		}
	}
	return false
}

// Keys returns the distinct keys of buffered entries in first-use order.
func (t *Transaction) Keys() []string {
	seen := make(map[string]struct{}, len(t.entries))
	var keys []string
	for _, entry := range t.entries {
		if _, ok := seen[entry.Key]; ok {
			continue
		}
		seen[entry.Key] = struct{}{}
		keys = append(keys, entry.Key)
	}
	return keys
}

// replayOnto returns the result of applying entry to a record. ad may be
// modified in place and is owned by the caller; values from entry are
// copied so the entry can be replayed again.
//
// NewRecord on an existing record leaves it unchanged. Update and Modify
// of a missing record start from an empty ad. A Modify delta with
// DeleteAd set destroys the record, and one with NewAd set replaces it
// with the rest of the delta.
func replayOnto(ad classad.Ad, exists bool, entry *model.LogEntry) (classad.Ad, bool) {
	switch entry.Op {
	case model.OpNewRecord:
		if exists {
			return ad, true
		}
		if entry.Ad == nil {
			return classad.New(nil), true
		}
		return entry.Ad.Copy(), true

	case model.OpUpdateRecord:
		if !exists {
			ad = classad.New(nil)
		}
		ad.Update(entry.Ad.Copy())
		return ad, true

	case model.OpModifyRecord:
		if deleteRequested(entry.Ad) {
			return nil, false
		}
		if replacement, ok := replacementAd(entry.Ad); ok {
			return replacement, true
		}
		if !exists {
			ad = classad.New(nil)
		}
		ad.Modify(entry.Ad.Copy())
		return ad, true

	case model.OpDestroyRecord:
		return nil, false
	}
	return ad, exists
}

func deleteRequested(delta classad.Ad) bool {
	return flagSet(delta, classad.AttrDeleteAd)
}

// replacementAd returns the delta without its escape hatch attributes if
// it asks for a wholesale replacement.
func replacementAd(delta classad.Ad) (classad.Ad, bool) {
	if !flagSet(delta, classad.AttrNewAd) {
		return nil, false
	}
	ad := delta.Copy()
	ad.Delete(classad.AttrNewAd)
	ad.Delete(classad.AttrDeleteAd)
	return ad, true
}

func flagSet(delta classad.Ad, name string) bool {
	v, ok := delta.Lookup(name)
	if !ok {
		return false
	}
	b, ok := classad.NewValue(v).CoerceToBool()
	return ok && b
}
