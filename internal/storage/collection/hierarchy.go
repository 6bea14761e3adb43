package collection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/errors"
	"github.com/devrev/pairdb/adstore/internal/model"
)

const btreeDegree = 16

type collection struct {
	id     ID
	kind   Kind
	parent ID
	rank   string

	// Constraint
	constraint string

	// PartitionParent and PartitionChild
	attrs []string
	// PartitionParent: tuple -> child, and the child each routed key went to
	partitions map[string]ID
	routed     map[string]ID
	// PartitionChild
	tuple string

	members  *btree.BTreeG[rankedRecord]
	index    map[string]rankedRecord
	children *btree.BTreeG[ID]

	contentIters map[uint64]*ContentIterator
	childIters   map[uint64]*ChildIterator
}

func newCollection(id ID, kind Kind, parent ID, rank string) *collection {
	return &collection{
		id:           id,
		kind:         kind,
		parent:       parent,
		rank:         rank,
		members:      btree.NewG[rankedRecord](btreeDegree, lessRanked),
		index:        make(map[string]rankedRecord),
		children:     btree.NewG[ID](btreeDegree, lessID),
		contentIters: make(map[uint64]*ContentIterator),
		childIters:   make(map[uint64]*ChildIterator),
	}
}

// Hierarchy is the tree of collections rooted at the record table.
type Hierarchy struct {
	colls    map[ID]*collection
	nextID   ID
	seq      uint64
	nextIter uint64
	eval     Evaluator
	source   RecordSource
	logger   *zap.Logger
}

// NewHierarchy creates a hierarchy holding only the root collection, whose
// members are ordered by rootRank.
func NewHierarchy(eval Evaluator, source RecordSource, rootRank string, logger *zap.Logger) *Hierarchy {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hierarchy{
		colls:  make(map[ID]*collection),
		nextID: RootID + 1,
		eval:   eval,
		source: source,
		logger: logger,
	}
	h.colls[RootID] = newCollection(RootID, Explicit, RootID, rootRank)
	return h
}

// AddRecord inserts a record into collection id and, through predicates
// and partition routing, into its descendants. It returns false if the
// collection does not exist.
func (h *Hierarchy) AddRecord(id ID, key string, ad classad.Ad) bool {
	c, ok := h.colls[id]
	if !ok {
		return false
	}
	h.addRecord(c, key, ad)
	return true
}

// RemoveRecord removes a record from collection id and its descendants.
// It returns false if the collection does not exist.
func (h *Hierarchy) RemoveRecord(id ID, key string) bool {
	c, ok := h.colls[id]
	if !ok {
		return false
	}
	h.removeRecord(c, key)
	return true
}

// ChangeRecord recomputes the membership of a changed record everywhere
// by removing it from the root and adding it back.
func (h *Hierarchy) ChangeRecord(key string, ad classad.Ad) {
	root := h.colls[RootID]
	h.removeRecord(root, key)
	h.addRecord(root, key, ad)
}

func (h *Hierarchy) addRecord(c *collection, key string, ad classad.Ad) {
	if c.kind == PartitionParent {
		h.routeRecord(c, key, ad)
		return
	}

	if !h.matches(c, ad) {
		h.removeRecord(c, key)
		return
	}

	if stale, ok := c.index[key]; ok {
		h.removeMember(c, stale)
	}

	h.seq++
	item := rankedRecord{key: key, rank: h.rankOf(c, ad), seq: h.seq}
	c.members.ReplaceOrInsert(item)
	c.index[key] = item
	for _, it := range c.contentIters {
		it.updateForInsertion()
	}

	for _, child := range collectIDs(c.children) {
		h.addRecord(h.colls[child], key, ad)
	}
}

// routeRecord sends a record to the partition for its attribute tuple,
// creating the partition on first use. Records for which any partition
// attribute does not evaluate to a value are not routed.
func (h *Hierarchy) routeRecord(c *collection, key string, ad classad.Ad) {
	tuple, ok := h.partitionTuple(c.attrs, ad)

	if prev, routed := c.routed[key]; routed && (!ok || h.colls[prev].tuple != tuple) {
		h.removeRecord(h.colls[prev], key)
		delete(c.routed, key)
	}
	if !ok {
		return
	}

	childID, exists := c.partitions[tuple]
	if !exists {
		childID = h.allocID()
		child := newCollection(childID, PartitionChild, c.id, c.rank)
		child.attrs = c.attrs
		child.tuple = tuple
		h.colls[childID] = child
		c.partitions[tuple] = childID
		h.linkChild(c, childID)

		h.logger.Debug("Created partition",
			zap.Int("parent_id", int(c.id)),
			zap.Int("view_id", int(childID)),
			zap.String("tuple", tuple))
	}

	c.routed[key] = childID
	h.addRecord(h.colls[childID], key, ad)
}

func (h *Hierarchy) removeRecord(c *collection, key string) {
	if c.kind == PartitionParent {
		if childID, ok := c.routed[key]; ok {
			delete(c.routed, key)
			h.removeRecord(h.colls[childID], key)
		}
		return
	}

	item, ok := c.index[key]
	if !ok {
		return
	}
	h.removeMember(c, item)

	for _, child := range collectIDs(c.children) {
		h.removeRecord(h.colls[child], key)
	}
}

// removeMember steps iterators off item before deleting it.
func (h *Hierarchy) removeMember(c *collection, item rankedRecord) {
	for _, it := range c.contentIters {
		it.updateForDeletion(item)
	}
	c.members.Delete(item)
	delete(c.index, item.key)
}

func (h *Hierarchy) matches(c *collection, ad classad.Ad) bool {
	switch c.kind {
	case Explicit:
		return true
	case Constraint:
		b, ok := h.eval.Evaluate(ad, c.constraint).CoerceToBool()
		return ok && b
	case PartitionChild:
		tuple, ok := h.partitionTuple(c.attrs, ad)
		return ok && tuple == c.tuple
	default:
		return false
	}
}

func (h *Hierarchy) rankOf(c *collection, ad classad.Ad) float64 {
	if strings.TrimSpace(c.rank) == "" {
		return 0
	}
	f, ok := h.eval.Evaluate(ad, c.rank).CoerceToNumber()
	if !ok {
		return 0
	}
	return f
}

// partitionTuple renders the values of attrs as a JSON array. Every
// element is itself a JSON value, so distinct tuples never collide.
func (h *Hierarchy) partitionTuple(attrs []string, ad classad.Ad) (string, bool) {
	var b strings.Builder
	b.WriteByte('[')
	for i, attr := range attrs {
		s, ok := h.eval.Evaluate(ad, attr).CoerceToString()
		if !ok {
			return "", false
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s)
	}
	b.WriteByte(']')
	return b.String(), true
}

// CreateConstraintView creates a view of the parent's members that satisfy
// constraint, ordered by rank, and populates it from the parent.
func (h *Hierarchy) CreateConstraintView(parent ID, rank, constraint string) (ID, error) {
	p, err := h.viewParent(parent)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(constraint) == "" {
		return 0, errors.InvalidView("constraint expression cannot be empty", nil)
	}
	if err := h.compile(rank, constraint); err != nil {
		return 0, err
	}

	c := newCollection(h.allocID(), Constraint, p.id, rank)
	c.constraint = constraint
	h.attach(p, c)

	h.logger.Debug("Created constraint view",
		zap.Int("view_id", int(c.id)),
		zap.Int("parent_id", int(p.id)),
		zap.String("constraint", constraint),
		zap.Int("members", c.members.Len()))
	return c.id, nil
}

// CreatePartitionView creates a view that splits the parent's members into
// one child per distinct tuple of attribute values.
func (h *Hierarchy) CreatePartitionView(parent ID, rank string, attrs []string) (ID, error) {
	p, err := h.viewParent(parent)
	if err != nil {
		return 0, err
	}
	if len(attrs) == 0 {
		return 0, errors.InvalidView("at least one partition attribute is required", nil)
	}
	sorted := append([]string(nil), attrs...)
	sort.Strings(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return 0, errors.InvalidView(fmt.Sprintf("duplicate partition attribute %q", sorted[i]), nil)
		}
	}
	if err := h.compile(append([]string{rank}, sorted...)...); err != nil {
		return 0, err
	}

	c := newCollection(h.allocID(), PartitionParent, p.id, rank)
	c.attrs = sorted
	c.partitions = make(map[string]ID)
	c.routed = make(map[string]ID)
	h.attach(p, c)

	h.logger.Debug("Created partition view",
		zap.Int("view_id", int(c.id)),
		zap.Int("parent_id", int(p.id)),
		zap.Strings("attributes", sorted),
		zap.Int("partitions", len(c.partitions)))
	return c.id, nil
}

func (h *Hierarchy) viewParent(parent ID) (*collection, error) {
	p, ok := h.colls[parent]
	if !ok {
		return nil, errors.ViewNotFound(int(parent))
	}
	if p.kind == PartitionParent {
		return nil, errors.InvalidView(
			fmt.Sprintf("view %d is a partition parent and only holds partitions", parent), nil)
	}
	return p, nil
}

func (h *Hierarchy) compile(expressions ...string) error {
	compiler, ok := h.eval.(Compiler)
	if !ok {
		return nil
	}
	for _, e := range expressions {
		if err := compiler.Compile(e); err != nil {
			return errors.InvalidView("invalid view expression", err)
		}
	}
	return nil
}

// attach links c under p and adds every current member of p to it.
func (h *Hierarchy) attach(p, c *collection) {
	h.colls[c.id] = c
	h.linkChild(p, c.id)

	for _, item := range collectMembers(p.members) {
		ad, ok := h.source.Get(item.key)
		if !ok {
			h.logger.Warn("Member missing from record table",
				zap.Int("view_id", int(p.id)),
				zap.String("key", item.key))
			continue
		}
		h.addRecord(c, item.key, ad)
	}
}

func (h *Hierarchy) linkChild(p *collection, child ID) {
	p.children.ReplaceOrInsert(child)
	for _, it := range p.childIters {
		it.updateForInsertion()
	}
}

func (h *Hierarchy) allocID() ID {
	id := h.nextID
	h.nextID++
	return id
}

// FindPartition returns the partition of a partition parent that a record
// like sample would be routed to, if that partition exists.
func (h *Hierarchy) FindPartition(parent ID, sample classad.Ad) (ID, bool) {
	p, ok := h.colls[parent]
	if !ok || p.kind != PartitionParent {
		return 0, false
	}
	tuple, ok := h.partitionTuple(p.attrs, sample)
	if !ok {
		return 0, false
	}
	id, ok := p.partitions[tuple]
	return id, ok
}

// DeleteView deletes a view and all of its descendants, children first.
// Iterators on deleted views become invalid. The root cannot be deleted.
func (h *Hierarchy) DeleteView(id ID) bool {
	if id == RootID {
		return false
	}
	top, ok := h.colls[id]
	if !ok {
		return false
	}

	var doomed []ID
	h.Walk(id, func(v ID) bool {
		doomed = append(doomed, v)
		return true
	})

	for _, v := range doomed {
		c := h.colls[v]
		for _, it := range c.contentIters {
			it.invalidate()
		}
		for _, it := range c.childIters {
			it.invalidate()
		}
		if c.kind == PartitionChild {
			if p, ok := h.colls[c.parent]; ok {
				delete(p.partitions, c.tuple)
				for key, routedTo := range p.routed {
					if routedTo == v {
						delete(p.routed, key)
					}
				}
			}
		}
		delete(h.colls, v)
	}

	if p, ok := h.colls[top.parent]; ok {
		for _, it := range p.childIters {
			it.updateForDeletion(id)
		}
		p.children.Delete(id)
	}

	h.logger.Debug("Deleted view",
		zap.Int("view_id", int(id)),
		zap.Int("deleted", len(doomed)))
	return true
}

// Walk visits id and its descendants in post-order, children before their
// parent. It stops early and returns false when visit returns false.
func (h *Hierarchy) Walk(id ID, visit func(ID) bool) bool {
	c, ok := h.colls[id]
	if !ok {
		return true
	}
	for _, child := range collectIDs(c.children) {
		if !h.Walk(child, visit) {
			return false
		}
	}
	return visit(id)
}

// Exists reports whether a collection exists.
func (h *Hierarchy) Exists(id ID) bool {
	_, ok := h.colls[id]
	return ok
}

// Len returns the number of collections, including the root.
func (h *Hierarchy) Len() int {
	return len(h.colls)
}

// Size returns the number of direct members of a collection. A partition
// parent has no direct members.
func (h *Hierarchy) Size(id ID) (int, bool) {
	c, ok := h.colls[id]
	if !ok {
		return 0, false
	}
	return c.members.Len(), true
}

// Kind returns the variant of a collection.
func (h *Hierarchy) Kind(id ID) (Kind, bool) {
	c, ok := h.colls[id]
	if !ok {
		return 0, false
	}
	return c.kind, true
}

// Parent returns the parent of a collection. The root is its own parent.
func (h *Hierarchy) Parent(id ID) (ID, bool) {
	c, ok := h.colls[id]
	if !ok {
		return 0, false
	}
	return c.parent, true
}

// Children returns the child ids of a collection in ascending order.
func (h *Hierarchy) Children(id ID) ([]ID, bool) {
	c, ok := h.colls[id]
	if !ok {
		return nil, false
	}
	return collectIDs(c.children), true
}

// Contains reports whether key is a direct member of a collection.
func (h *Hierarchy) Contains(id ID, key string) bool {
	c, ok := h.colls[id]
	if !ok {
		return false
	}
	_, ok = c.index[key]
	return ok
}

// RankOf returns the rank of a member within a collection.
func (h *Hierarchy) RankOf(id ID, key string) (float64, bool) {
	c, ok := h.colls[id]
	if !ok {
		return 0, false
	}
	item, ok := c.index[key]
	if !ok {
		return 0, false
	}
	return item.rank, true
}

// Members returns up to limit members of a collection in rank order. A
// limit <= 0 returns every member.
func (h *Hierarchy) Members(id ID, limit int) ([]Member, bool) {
	c, ok := h.colls[id]
	if !ok {
		return nil, false
	}
	out := make([]Member, 0, c.members.Len())
	c.members.Ascend(func(item rankedRecord) bool {
		out = append(out, Member{Key: item.key, Rank: item.rank})
		return limit <= 0 || len(out) < limit
	})
	return out, true
}

// Iterators returns the number of open iterators on every collection.
func (h *Hierarchy) Iterators() int {
	n := 0
	for _, c := range h.colls {
		n += len(c.contentIters) + len(c.childIters)
	}
	return n
}

// Describe returns a summary of every collection ordered by id.
func (h *Hierarchy) Describe() []model.ViewSummary {
	ids := make([]int, 0, len(h.colls))
	for id := range h.colls {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	out := make([]model.ViewSummary, 0, len(ids))
	for _, id := range ids {
		c := h.colls[ID(id)]
		s := model.ViewSummary{
			ID:     id,
			Kind:   c.kind.String(),
			Parent: int(c.parent),
			Rank:   c.rank,
			Filter: c.constraint,
			Size:   c.members.Len(),
			Tuple:  c.tuple,
		}
		if c.kind == PartitionParent {
			s.Attrs = append([]string(nil), c.attrs...)
		}
		for _, child := range collectIDs(c.children) {
			s.Children = append(s.Children, int(child))
		}
		out = append(out, s)
	}
	return out
}

// collectIDs snapshots a child set so callers may mutate the tree while
// visiting it.
func collectIDs(t *btree.BTreeG[ID]) []ID {
	out := make([]ID, 0, t.Len())
	t.Ascend(func(id ID) bool {
		out = append(out, id)
		return true
	})
	return out
}

func collectMembers(t *btree.BTreeG[rankedRecord]) []rankedRecord {
	out := make([]rankedRecord, 0, t.Len())
	t.Ascend(func(item rankedRecord) bool {
		out = append(out, item)
		return true
	})
	return out
}
