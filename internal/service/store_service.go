package service

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/errors"
	"github.com/devrev/pairdb/adstore/internal/expr"
	"github.com/devrev/pairdb/adstore/internal/metrics"
	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/storage/collection"
	"github.com/devrev/pairdb/adstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/adstore/internal/validation"
)

// FatalHandler is called when the log can no longer be trusted to match
// memory. The default handler logs the error and exits the process.
type FatalHandler func(err error)

// ChangeListener receives the committed effect of every operation or
// transaction, after it has been applied. Replay does not notify.
type ChangeListener interface {
	OnChanges(changes []model.Change)
}

// ChangeListenerFunc adapts a function to ChangeListener.
type ChangeListenerFunc func(changes []model.Change)

// OnChanges calls f
func (f ChangeListenerFunc) OnChanges(changes []model.Change) { f(changes) }

// StoreConfig holds store configuration
type StoreConfig struct {
	LogPath             string
	SyncWrites          bool
	MaxHistoricalLogs   int
	RootRank            string
	ExpressionCacheSize int
	ReadOnly            bool
	FatalHandler        FatalHandler
}

// StoreService is the persistent ad collection: a record table recovered
// from the commit log, single-level transactions, and the hierarchy of
// derived views. It is driven by one goroutine and does no locking.
type StoreService struct {
	config    *StoreConfig
	log       *CommitLogService
	table     *RecordTable
	views     *collection.Hierarchy
	evaluator *expr.Evaluator
	validator *validation.Validator
	disk      *diskmanager.DiskManager
	metrics   *metrics.Metrics
	logger    *zap.Logger

	txn       *Transaction
	listeners []ChangeListener
	fatal     FatalHandler
	failure   error
	closed    bool
	replay    *ReplayResult
}

// StoreStats is a snapshot of store counters.
type StoreStats struct {
	Records           int    `json:"records"`
	Views             int    `json:"views"`
	Iterators         int    `json:"iterators"`
	TransactionOpen   bool   `json:"transaction_open"`
	TransactionLength int    `json:"transaction_length"`
	LogSize           int64  `json:"log_size"`
	Sequence          uint64 `json:"sequence"`
	ReadOnly          bool   `json:"read_only"`
	Failed            bool   `json:"failed"`
}

// OpenStore opens the log, replays it into a fresh record table and, unless
// read-only, rewrites it as a checkpoint. disk and m may be nil.
func OpenStore(cfg *StoreConfig, disk *diskmanager.DiskManager, m *metrics.Metrics, logger *zap.Logger) (*StoreService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	evaluator, err := expr.NewEvaluator(&expr.Config{
		CacheSize: cfg.ExpressionCacheSize,
		OnError: func(expression string, err error) {
			m.RecordEvaluationError()
			logger.Debug("Expression evaluation failed",
				zap.String("expression", expression),
				zap.Error(err))
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &StoreService{
		config:    cfg,
		table:     NewRecordTable(),
		evaluator: evaluator,
		validator: validation.NewValidator(),
		disk:      disk,
		metrics:   m,
		logger:    logger,
		fatal:     cfg.FatalHandler,
	}
	if s.fatal == nil {
		s.fatal = func(err error) {
			logger.Fatal("Commit log failure, cannot continue", zap.Error(err))
		}
	}
	s.views = collection.NewHierarchy(evaluator, s.table, cfg.RootRank, logger)

	s.log, err = OpenCommitLog(&CommitLogConfig{
		Path:              cfg.LogPath,
		SyncWrites:        cfg.SyncWrites,
		MaxHistoricalLogs: cfg.MaxHistoricalLogs,
		ReadOnly:          cfg.ReadOnly,
	}, logger, m)
	if err != nil {
		return nil, err
	}

	s.replay, err = s.log.Replay(s.replayEntry)
	if err != nil {
		return nil, multierr.Append(err, s.log.Close())
	}

	if !cfg.ReadOnly {
		if _, err := s.Checkpoint(); err != nil {
			if s.replay.NeedsRotation() && !errors.IsFatal(err) {
				// The log cannot be appended to safely.
				err = errors.CheckpointFailed("failed to rotate damaged commit log", err)
				s.fail(err)
			}
			if s.failure != nil {
				return nil, multierr.Append(err, s.log.Close())
			}
			logger.Warn("Checkpoint after replay failed, appending to existing log", zap.Error(err))
		}
	}

	s.refreshStats()
	logger.Info("Opened store",
		zap.String("log_path", cfg.LogPath),
		zap.Int("records", s.table.Len()),
		zap.Bool("read_only", cfg.ReadOnly))
	return s, nil
}

// Replay returns the result of the replay performed by OpenStore.
func (s *StoreService) Replay() ReplayResult {
	return *s.replay
}

// NewRecord creates a record. It fails with KeyExists if key is present,
// taking an active transaction into account.
func (s *StoreService) NewRecord(key string, ad classad.Ad) (err error) {
	defer s.observe("new_record", time.Now(), &err)

	if err := s.writable("new_record"); err != nil {
		return err
	}
	if err := s.validator.ValidateWrite(key, ad); err != nil {
		return err
	}
	if s.exists(key) {
		return errors.KeyExists(key)
	}
	return s.submit(model.NewRecordEntry(key, ad))
}

// DestroyRecord deletes a record.
func (s *StoreService) DestroyRecord(key string) (err error) {
	defer s.observe("destroy_record", time.Now(), &err)

	if err := s.writable("destroy_record"); err != nil {
		return err
	}
	if !s.exists(key) {
		return errors.KeyNotFound(key)
	}
	return s.submit(model.DestroyRecordEntry(key))
}

// UpdateRecord merges the attributes of delta into a record.
func (s *StoreService) UpdateRecord(key string, delta classad.Ad) (err error) {
	defer s.observe("update_record", time.Now(), &err)

	if err := s.writable("update_record"); err != nil {
		return err
	}
	if err := s.validator.ValidateWrite(key, delta); err != nil {
		return err
	}
	if !s.exists(key) {
		return errors.KeyNotFound(key)
	}
	return s.submit(model.UpdateRecordEntry(key, delta))
}

// ModifyRecord applies a modification ad to a record (see classad.Ad.Modify).
// A delta with DeleteAd set to true destroys the record instead, and one
// with NewAd set to true replaces the record with the remaining attributes
// of the delta, creating it if necessary.
func (s *StoreService) ModifyRecord(key string, delta classad.Ad) (err error) {
	defer s.observe("modify_record", time.Now(), &err)

	if err := s.writable("modify_record"); err != nil {
		return err
	}
	if err := s.validator.ValidateWrite(key, delta); err != nil {
		return err
	}
	if _, replace := replacementAd(delta); !replace && !s.exists(key) {
		return errors.KeyNotFound(key)
	}
	return s.submit(model.ModifyRecordEntry(key, delta))
}

// Lookup returns a copy of the committed record.
func (s *StoreService) Lookup(key string) (classad.Ad, bool) {
	return s.table.Lookup(key)
}

// LookupInTransaction returns key as it would be if the active transaction
// committed now. Without a transaction it is Lookup.
func (s *StoreService) LookupInTransaction(key string) (classad.Ad, bool) {
	if s.txn == nil {
		return s.table.Lookup(key)
	}
	committed, exists := s.table.Get(key)
	return s.txn.Lookup(key, committed, exists)
}

// Len returns the number of committed records
func (s *StoreService) Len() int {
	return s.table.Len()
}

// Range calls fn with a copy of every committed record in key order until
// fn returns false.
func (s *StoreService) Range(fn func(key string, ad classad.Ad) bool) {
	s.RangeFrom("", fn)
}

// RangeFrom is Range starting at the first key >= start.
func (s *StoreService) RangeFrom(start string, fn func(key string, ad classad.Ad) bool) {
	s.table.RangeFrom(start, func(key string, ad classad.Ad) bool {
		return fn(key, ad.Copy())
	})
}

// BeginTransaction starts buffering mutations. Only one transaction may be
// active.
func (s *StoreService) BeginTransaction() error {
	if err := s.writable("begin_transaction"); err != nil {
		return err
	}
	if s.txn != nil {
		return errors.TransactionActive()
	}
	s.txn = newTransaction()
	return nil
}

// CommitTransaction writes the transaction to the log as one framed,
// fsynced unit and applies it. Committing an empty transaction writes
// nothing.
func (s *StoreService) CommitTransaction() error {
	return s.commit(true)
}

// CommitTransactionNondurable commits like CommitTransaction without
// forcing the log to stable storage.
func (s *StoreService) CommitTransactionNondurable() error {
	return s.commit(false)
}

func (s *StoreService) commit(durable bool) (err error) {
	defer s.observe("commit_transaction", time.Now(), &err)

	if s.txn == nil {
		return errors.NoTransaction()
	}
	if err := s.usable(); err != nil {
		return err
	}

	txn := s.txn
	framed := txn.Framed()
	if framed == nil {
		s.txn = nil
		s.metrics.RecordTransaction("empty", 0)
		return nil
	}

	// A rejected commit leaves the transaction open for the caller to
	// retry or abort.
	if err := s.disk.CheckBeforeWrite(estimateEntries(framed)); err != nil {
		return err
	}

	if err := s.log.Append(framed, durable); err != nil {
		if errors.IsFatal(err) {
			s.txn = nil
			s.fail(err)
		}
		return err
	}
	s.txn = nil

	changes := make([]model.Change, 0, txn.Len())
	for _, entry := range txn.entries {
		change, err := s.play(entry)
		if err != nil {
			s.logger.Warn("Transaction entry had no effect",
				zap.Stringer("op", entry.Op),
				zap.String("key", entry.Key),
				zap.Error(err))
			continue
		}
		changes = append(changes, change)
	}

	outcome := "committed"
	if !durable {
		outcome = "committed_nondurable"
	}
	s.metrics.RecordTransaction(outcome, txn.Len())
	s.notify(changes)
	s.refreshStats()
	return nil
}

// AbortTransaction discards the active transaction. It returns false if
// none was active.
func (s *StoreService) AbortTransaction() bool {
	if s.txn == nil {
		return false
	}
	s.metrics.RecordTransaction("aborted", s.txn.Len())
	s.txn = nil
	return true
}

// IsTransactionActive reports whether a transaction is active
func (s *StoreService) IsTransactionActive() bool {
	return s.txn != nil
}

// ExistsInTransaction reports whether key would exist if the active
// transaction committed now.
func (s *StoreService) ExistsInTransaction(key string) bool {
	return s.exists(key)
}

// NewKeysInTransaction returns the keys the active transaction would
// create, in the order they were first used.
func (s *StoreService) NewKeysInTransaction() []string {
	if s.txn == nil {
		return nil
	}
	var keys []string
	for _, key := range s.txn.Keys() {
		if s.table.Contains(key) {
			continue
		}
		if s.exists(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// CreateConstraintView creates a view of the records of parent that
// satisfy constraint, ordered by rank.
func (s *StoreService) CreateConstraintView(parent collection.ID, rank, constraint string) (collection.ID, error) {
	id, err := s.views.CreateConstraintView(parent, rank, constraint)
	if err != nil {
		return 0, err
	}
	s.refreshStats()
	return id, nil
}

// CreatePartitionView creates a view that splits the records of parent by
// the values of attrs.
func (s *StoreService) CreatePartitionView(parent collection.ID, rank string, attrs []string) (collection.ID, error) {
	if err := s.validator.ValidateAttributes(attrs); err != nil {
		return 0, err
	}
	id, err := s.views.CreatePartitionView(parent, rank, attrs)
	if err != nil {
		return 0, err
	}
	s.refreshStats()
	return id, nil
}

// FindPartitionFor returns the partition of a partition view that sample
// would be routed to, if it exists.
func (s *StoreService) FindPartitionFor(parent collection.ID, sample classad.Ad) (collection.ID, bool) {
	return s.views.FindPartition(parent, sample)
}

// DeleteView deletes a view and its descendants. The root cannot be
// deleted.
func (s *StoreService) DeleteView(id collection.ID) bool {
	ok := s.views.DeleteView(id)
	if ok {
		s.refreshStats()
	}
	return ok
}

// ViewSize returns the number of members of a view
func (s *StoreService) ViewSize(id collection.ID) (int, bool) {
	return s.views.Size(id)
}

// ViewKind returns the kind of a view
func (s *StoreService) ViewKind(id collection.ID) (collection.Kind, bool) {
	return s.views.Kind(id)
}

// ViewParent returns the parent of a view
func (s *StoreService) ViewParent(id collection.ID) (collection.ID, bool) {
	return s.views.Parent(id)
}

// ViewChildren returns the child views of a view in id order
func (s *StoreService) ViewChildren(id collection.ID) ([]collection.ID, bool) {
	return s.views.Children(id)
}

// ViewMembers returns up to limit members of a view in rank order. A
// limit of zero or less returns every member.
func (s *StoreService) ViewMembers(id collection.ID, limit int) ([]collection.Member, bool) {
	return s.views.Members(id, limit)
}

// RankOf returns the rank of key within a view
func (s *StoreService) RankOf(id collection.ID, key string) (float64, bool) {
	return s.views.RankOf(id, key)
}

// Describe returns a summary of every view
func (s *StoreService) Describe() []model.ViewSummary {
	return s.views.Describe()
}

// OpenContentIterator opens an iterator over the members of a view.
func (s *StoreService) OpenContentIterator(id collection.ID) (*collection.ContentIterator, bool) {
	it, ok := s.views.OpenContentIterator(id)
	if ok {
		s.refreshStats()
	}
	return it, ok
}

// OpenChildIterator opens an iterator over the child views of a view.
func (s *StoreService) OpenChildIterator(id collection.ID) (*collection.ChildIterator, bool) {
	it, ok := s.views.OpenChildIterator(id)
	if ok {
		s.refreshStats()
	}
	return it, ok
}

// OpenQueryIterator opens an iterator over the members of a view that
// satisfy constraint.
func (s *StoreService) OpenQueryIterator(id collection.ID, constraint string) (*collection.QueryIterator, error) {
	if err := s.evaluator.Compile(constraint); err != nil {
		return nil, errors.InvalidArgument("invalid query constraint", err)
	}
	it, ok := s.views.OpenQueryIterator(id, constraint)
	if !ok {
		return nil, errors.ViewNotFound(int(id))
	}
	s.refreshStats()
	return it, nil
}

// Checkpoint rewrites the log as one NewRecord entry per live record and
// reports whether the log was replaced.
func (s *StoreService) Checkpoint() (bool, error) {
	if s.config.ReadOnly {
		return false, errors.ReadOnly("checkpoint")
	}
	if err := s.usable(); err != nil {
		return false, err
	}

	if err := s.log.Checkpoint(s.snapshot); err != nil {
		if errors.IsFatal(err) {
			s.fail(err)
		}
		return false, err
	}
	return true, nil
}

func (s *StoreService) snapshot(emit func(key string, ad classad.Ad) error) error {
	var err error
	s.table.Range(func(key string, ad classad.Ad) bool {
		err = emit(key, ad)
		return err == nil
	})
	return err
}

// AddListener registers a change listener
func (s *StoreService) AddListener(l ChangeListener) {
	s.listeners = append(s.listeners, l)
}

// Stats returns a snapshot of store counters
func (s *StoreService) Stats() StoreStats {
	stats := StoreStats{
		Records:         s.table.Len(),
		Views:           s.views.Len(),
		Iterators:       s.views.Iterators(),
		TransactionOpen: s.txn != nil,
		LogSize:         s.log.Size(),
		Sequence:        s.log.Sequence(),
		ReadOnly:        s.config.ReadOnly,
		Failed:          s.failure != nil,
	}
	if s.txn != nil {
		stats.TransactionLength = s.txn.Len()
	}
	return stats
}

// Close aborts an open transaction and closes the log.
func (s *StoreService) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.txn != nil {
		s.logger.Warn("Closing store with an open transaction, aborting it",
			zap.Int("entries", s.txn.Len()))
		s.AbortTransaction()
	}
	if err := s.log.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.logger.Info("Closed store", zap.Int("records", s.table.Len()))
	return nil
}

// submit buffers entry in the active transaction, or logs and applies it.
func (s *StoreService) submit(entry *model.LogEntry) error {
	if s.txn != nil {
		s.txn.Append(entry)
		return nil
	}

	if err := s.disk.CheckBeforeWrite(validation.EstimateWriteSize(entry.Key, entry.Ad)); err != nil {
		return err
	}
	if err := s.log.Append([]*model.LogEntry{entry}, true); err != nil {
		if errors.IsFatal(err) {
			s.fail(err)
		}
		return err
	}

	change, err := s.play(entry)
	if err != nil {
		return err
	}
	s.notify([]model.Change{change})
	s.refreshStats()
	return nil
}

func (s *StoreService) replayEntry(entry *model.LogEntry) error {
	_, err := s.play(entry)
	return err
}

// play applies a logged entry to the record table and the views.
func (s *StoreService) play(entry *model.LogEntry) (model.Change, error) {
	key := entry.Key
	change := model.Change{Op: entry.Op, Key: key}

	current, exists := s.table.Get(key)
	var base classad.Ad
	if exists {
		base = current.Copy()
	}
	next, live := replayOnto(base, exists, entry)

	switch {
	case !exists && !live:
		return change, errors.KeyNotFound(key)

	case exists && !live:
		s.views.RemoveRecord(collection.RootID, key)
		s.table.Delete(key)
		change.Kind = model.ChangeDestroyed

	case !exists:
		s.table.Put(key, next)
		s.views.AddRecord(collection.RootID, key, next)
		change.Kind = model.ChangeCreated

	default:
		if entry.Op == model.OpNewRecord {
			return change, errors.KeyExists(key)
		}
		s.table.Put(key, next)
		s.views.ChangeRecord(key, next)
		change.Kind = model.ChangeUpdated
	}

	if live && len(s.listeners) > 0 {
		change.Ad = next.Copy()
	}
	return change, nil
}

func (s *StoreService) notify(changes []model.Change) {
	if len(changes) == 0 {
		return
	}
	for _, l := range s.listeners {
		l.OnChanges(changes)
	}
}

// exists reports whether key exists, as seen through the active
// transaction.
func (s *StoreService) exists(key string) bool {
	committed, exists := s.table.Get(key)
	if s.txn == nil || !s.txn.Touches(key) {
		return exists
	}
	_, exists = s.txn.Lookup(key, committed, exists)
	return exists
}

func (s *StoreService) writable(op string) error {
	if s.config.ReadOnly {
		return errors.ReadOnly(op)
	}
	return s.usable()
}

func (s *StoreService) usable() error {
	if s.closed {
		return errors.Unavailable("store is closed", nil)
	}
	if s.failure != nil {
		return errors.Unavailable("store stopped after a commit log failure", s.failure)
	}
	return nil
}

func (s *StoreService) fail(err error) {
	if s.failure == nil {
		s.failure = err
	}
	s.logger.Error("Unrecoverable commit log failure", zap.Error(err))
	s.fatal(err)
}

func (s *StoreService) observe(op string, start time.Time, err *error) {
	s.metrics.RecordOperation(op, time.Since(start).Seconds(), *err)
}

func (s *StoreService) refreshStats() {
	s.metrics.UpdateCollectionStats(s.table.Len(), s.views.Len(), s.views.Iterators())
}

func estimateEntries(entries []*model.LogEntry) uint64 {
	var total uint64
	for _, entry := range entries {
		total += validation.EstimateWriteSize(entry.Key, entry.Ad)
	}
	return total
}
