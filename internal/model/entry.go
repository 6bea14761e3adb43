package model

import (
	"fmt"

	"github.com/devrev/pairdb/adstore/internal/classad"
)

// OpType identifies a log entry. The numeric values are written to the log
// header line and must never change.
type OpType int

const (
	OpNewRecord                OpType = 201
	OpDestroyRecord            OpType = 202
	OpUpdateRecord             OpType = 203
	OpModifyRecord             OpType = 204
	OpBeginTransaction         OpType = 105
	OpEndTransaction           OpType = 106
	OpHistoricalSequenceNumber OpType = 107
)

func (op OpType) String() string {
	switch op {
	case OpNewRecord:
		return "NewRecord"
	case OpDestroyRecord:
		return "DestroyRecord"
	case OpUpdateRecord:
		return "UpdateRecord"
	case OpModifyRecord:
		return "ModifyRecord"
	case OpBeginTransaction:
		return "BeginTransaction"
	case OpEndTransaction:
		return "EndTransaction"
	case OpHistoricalSequenceNumber:
		return "HistoricalSequenceNumber"
	default:
		return fmt.Sprintf("OpType(%d)", int(op))
	}
}

// Valid reports whether op is a known operation.
func (op OpType) Valid() bool {
	switch op {
	case OpNewRecord, OpDestroyRecord, OpUpdateRecord, OpModifyRecord,
		OpBeginTransaction, OpEndTransaction, OpHistoricalSequenceNumber:
		return true
	}
	return false
}

// IsRecordOp reports whether op mutates a record.
func (op OpType) IsRecordOp() bool {
	switch op {
	case OpNewRecord, OpDestroyRecord, OpUpdateRecord, OpModifyRecord:
		return true
	}
	return false
}

// LogEntry represents an entry in the commit log
type LogEntry struct {
	Op  OpType
	Key string
	// Ad is the full record for NewRecord and the delta for Update/Modify.
	// It is nil for DestroyRecord and the transaction markers.
	Ad classad.Ad

	// Set only on HistoricalSequenceNumber entries.
	Sequence  uint64
	Timestamp int64
}

// NewRecordEntry creates a NewRecord entry holding a copy of ad.
func NewRecordEntry(key string, ad classad.Ad) *LogEntry {
	return &LogEntry{Op: OpNewRecord, Key: key, Ad: ad.Copy()}
}

// UpdateRecordEntry creates an UpdateRecord entry holding a copy of delta.
func UpdateRecordEntry(key string, delta classad.Ad) *LogEntry {
	return &LogEntry{Op: OpUpdateRecord, Key: key, Ad: delta.Copy()}
}

// ModifyRecordEntry creates a ModifyRecord entry holding a copy of delta.
func ModifyRecordEntry(key string, delta classad.Ad) *LogEntry {
	return &LogEntry{Op: OpModifyRecord, Key: key, Ad: delta.Copy()}
}

// DestroyRecordEntry creates a DestroyRecord entry.
func DestroyRecordEntry(key string) *LogEntry {
	return &LogEntry{Op: OpDestroyRecord, Key: key}
}

// HistoricalSequenceEntry creates the entry that starts every log file.
func HistoricalSequenceEntry(seq uint64, timestamp int64) *LogEntry {
	return &LogEntry{Op: OpHistoricalSequenceNumber, Sequence: seq, Timestamp: timestamp}
}

// ChangeKind classifies the effect of a committed operation on a record.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeDestroyed ChangeKind = "destroyed"
)

// Change describes the committed effect of one log entry.
type Change struct {
	Kind ChangeKind
	Op   OpType
	Key  string
	// Ad is the record after the change; nil when destroyed.
	Ad classad.Ad
}
