// Package collection maintains the tree of derived views over the record
// table: constraint filters and attribute partitions whose ranked
// membership follows every record insert, change and removal.
//
// A Hierarchy is not safe for concurrent use. Mutations made while an
// iterator is open (including from inside the iterating loop) are safe:
// iterators are notified and never refer to a removed member.
package collection

import (
	"math"

	"github.com/devrev/pairdb/adstore/internal/classad"
)

// ID identifies a collection. The root is always 0.
type ID int

// RootID is the collection that holds every record.
const RootID ID = 0

// Kind is the variant of a collection.
type Kind int

const (
	Explicit Kind = iota
	Constraint
	PartitionParent
	PartitionChild
)

func (k Kind) String() string {
	switch k {
	case Explicit:
		return "explicit"
	case Constraint:
		return "constraint"
	case PartitionParent:
		return "partition_parent"
	case PartitionChild:
		return "partition_child"
	default:
		return "unknown"
	}
}

// Evaluator evaluates expressions for ranks, constraints and partition
// attributes.
type Evaluator interface {
	Evaluate(ad classad.Ad, expression string) classad.Value
}

// Compiler is implemented by evaluators that can check an expression
// before it is used in a view definition.
type Compiler interface {
	Compile(expression string) error
}

// RecordSource gives read access to committed records. The returned ad
// must not be modified.
type RecordSource interface {
	Get(key string) (classad.Ad, bool)
}

// Member is a ranked entry of a collection.
type Member struct {
	Key  string  `json:"key"`
	Rank float64 `json:"rank"`
}

// rankedRecord orders members by rank, then by insertion order. Equality
// of membership is by key alone and is tracked by the collection index.
type rankedRecord struct {
	key  string
	rank float64
	seq  uint64
}

// lessRanked is a strict total order: NaN ranks sort before every number
// and equal ranks fall back to insertion order.
func lessRanked(a, b rankedRecord) bool {
	aNaN, bNaN := math.IsNaN(a.rank), math.IsNaN(b.rank)
	switch {
	case aNaN != bNaN:
		return aNaN
	case !aNaN && a.rank != b.rank:
		return a.rank < b.rank
	}
	return a.seq < b.seq
}

func lessID(a, b ID) bool {
	return a < b
}
