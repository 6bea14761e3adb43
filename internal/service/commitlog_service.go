package service

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/errors"
	"github.com/devrev/pairdb/adstore/internal/metrics"
	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/storage/wal"
)

// CommitLogService owns the record log file. It is opened once by the
// store, replayed, and then appended to until Close.
type CommitLogService struct {
	config  *CommitLogConfig
	file    *os.File
	writer  *wal.Writer
	logger  *zap.Logger
	metrics *metrics.Metrics

	sequence uint64
	birth    int64
	size     int64
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	Path string
	// SyncWrites fsyncs the log on every durable append.
	SyncWrites bool
	// MaxHistoricalLogs is the number of pre-checkpoint logs kept as
	// <path>.<sequence>. Zero keeps none.
	MaxHistoricalLogs int
	ReadOnly          bool
}

// ReplayResult summarises a replay of the log.
type ReplayResult struct {
	Applied      int
	Transactions int
	Corrupt      int
	Unmatched    int
	// Truncated is set when the log ends inside an entry.
	Truncated bool
	// AbortedEntries counts entries of a transaction that was still open
	// at the end of the log and was discarded.
	AbortedEntries     int
	AbortedTransaction bool
	Sequence           uint64
	Timestamp          int64
	Offset             int64
}

// NeedsRotation reports whether the log must be rewritten before new
// entries can be appended after it.
func (r *ReplayResult) NeedsRotation() bool {
	return r.Truncated || r.AbortedTransaction
}

// ApplyFunc applies one committed record entry during replay.
type ApplyFunc func(entry *model.LogEntry) error

// OpenCommitLog opens the log file, creating it unless read-only. The log
// is not read until Replay.
func OpenCommitLog(cfg *CommitLogConfig, logger *zap.Logger, m *metrics.Metrics) (*CommitLogService, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("commit log path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	flag := os.O_RDWR | os.O_CREATE | os.O_APPEND
	if cfg.ReadOnly {
		flag = os.O_RDONLY
	} else if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}

	file, err := os.OpenFile(cfg.Path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open commit log: %w", err)
	}

	s := &CommitLogService{
		config:  cfg,
		file:    file,
		logger:  logger,
		metrics: m,
	}
	if !cfg.ReadOnly {
		s.writer = wal.NewWriter(file)
	}

	logger.Info("Opened commit log",
		zap.String("path", cfg.Path),
		zap.Bool("read_only", cfg.ReadOnly))
	return s, nil
}

// Replay reads the log from the start and calls apply for every record
// entry outside a transaction and for every entry of a committed
// transaction, in log order. Entries of a transaction that is still open
// at the end of the log are discarded.
func (s *CommitLogService) Replay(apply ApplyFunc) (*ReplayResult, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind commit log: %w", err)
	}

	res, err := ReplayLog(s.file, apply, s.logger, s.metrics)
	if err != nil {
		return res, err
	}
	s.sequence = res.Sequence
	s.birth = res.Timestamp
	s.size = res.Offset

	if info, err := s.file.Stat(); err == nil {
		s.size = info.Size()
	}
	s.metrics.SetLogSize(s.size)

	s.logger.Info("Commit log replay completed",
		zap.Int("applied", res.Applied),
		zap.Int("transactions", res.Transactions),
		zap.Int("corrupt", res.Corrupt),
		zap.Bool("truncated", res.Truncated),
		zap.Bool("aborted_transaction", res.AbortedTransaction),
		zap.Uint64("sequence", res.Sequence))
	return res, nil
}

// ReplayLog replays a log stream. See CommitLogService.Replay.
func ReplayLog(r io.Reader, apply ApplyFunc, logger *zap.Logger, m *metrics.Metrics) (*ReplayResult, error) {
	res := &ReplayResult{}
	reader := wal.NewReader(r)

	var (
		active  bool
		pending []*model.LogEntry
	)

	play := func(entry *model.LogEntry) {
		if err := apply(entry); err != nil {
			logger.Warn("Failed to replay log entry",
				zap.Stringer("op", entry.Op),
				zap.String("key", entry.Key),
				zap.Error(err))
			m.RecordSkipped("rejected")
			return
		}
		res.Applied++
	}

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if stderrors.Is(err, wal.ErrCorrupt) {
				logger.Warn("Skipping corrupt log entry", zap.Error(err))
				m.RecordSkipped("corrupt")
				res.Corrupt++
				continue
			}
			if stderrors.Is(err, wal.ErrTruncated) {
				logger.Warn("Log ends with an unterminated entry", zap.Error(err))
				m.RecordSkipped("truncated")
				res.Truncated = true
				break
			}
			return res, errors.CorruptedData("failed to read commit log", err)
		}

		switch entry.Op {
		case model.OpHistoricalSequenceNumber:
			res.Sequence = entry.Sequence
			res.Timestamp = entry.Timestamp
		case model.OpBeginTransaction:
			if active {
				logger.Warn("Nested transaction in log, discarding the open one",
					zap.Int("entries", len(pending)))
				res.Unmatched++
			}
			active = true
			pending = pending[:0]
		case model.OpEndTransaction:
			if !active {
				logger.Warn("Transaction end without begin in log")
				res.Unmatched++
				continue
			}
			for _, p := range pending {
				play(p)
			}
			res.Transactions++
			active = false
			pending = pending[:0]
		default:
			if active {
				pending = append(pending, entry)
				continue
			}
			play(entry)
		}
	}

	if active {
		logger.Warn("Discarding transaction left open at end of log",
			zap.Int("entries", len(pending)))
		res.AbortedTransaction = true
		res.AbortedEntries = len(pending)
	}
	res.Offset = reader.Offset()
	m.RecordReplayed(res.Applied)
	return res, nil
}

// Append writes entries and flushes them to the file. When durable is set
// and the log is configured for synchronous writes the file is fsynced
// before Append returns. Any failure is a CommitLogFailed error: the log
// may hold a partial write and must not be appended to again.
func (s *CommitLogService) Append(entries []*model.LogEntry, durable bool) error {
	if s.writer == nil {
		return errors.ReadOnly("append")
	}
	start := time.Now()

	n, err := s.writer.WriteBatch(entries)
	if err != nil {
		if stderrors.Is(err, wal.ErrEncode) {
			return errors.InvalidArgument("failed to encode log entry", err)
		}
		return errors.CommitLogFailed("failed to write to commit log", err)
	}
	if err := s.writer.Flush(); err != nil {
		return errors.CommitLogFailed("failed to write to commit log", err)
	}

	if durable && s.config.SyncWrites {
		syncStart := time.Now()
		if err := s.file.Sync(); err != nil {
			return errors.CommitLogFailed("failed to sync commit log", err)
		}
		s.metrics.RecordLogSync(time.Since(syncStart).Seconds())
	}

	s.size += int64(n)
	s.metrics.RecordLogAppend(n, time.Since(start).Seconds())
	s.metrics.SetLogSize(s.size)
	return nil
}

// SnapshotFunc emits every live record to a checkpoint.
type SnapshotFunc func(emit func(key string, ad classad.Ad) error) error

// Checkpoint replaces the log with one holding a new historical sequence
// entry and one NewRecord entry per live record. Failures while writing
// the new log leave the old one in place and are returned as plain
// errors; a failure to install or reopen the new log is a
// CheckpointFailed error and leaves the store without a usable log.
func (s *CommitLogService) Checkpoint(snapshot SnapshotFunc) error {
	if s.writer == nil {
		return errors.ReadOnly("checkpoint")
	}
	start := time.Now()
	err := s.checkpoint(snapshot)
	s.metrics.RecordCheckpoint(err, time.Since(start).Seconds())
	return err
}

func (s *CommitLogService) checkpoint(snapshot SnapshotFunc) error {
	path := s.config.Path
	tmpPath := path + ".tmp"
	nextSeq := s.sequence + 1
	now := time.Now().Unix()

	written, err := writeCheckpoint(tmpPath, nextSeq, now, snapshot)
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.InternalError("failed to write checkpoint", err)
	}

	// Unflushed appends would be lost with the old file.
	if err := s.writer.Flush(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.CommitLogFailed("failed to flush commit log before checkpoint", err)
	}

	if s.config.MaxHistoricalLogs > 0 && s.sequence > 0 {
		if err := s.keepHistorical(path, s.sequence); err != nil {
			s.logger.Warn("Failed to keep historical log",
				zap.Uint64("sequence", s.sequence),
				zap.Error(err))
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errors.CheckpointFailed("failed to install checkpoint", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		s.logger.Warn("Failed to sync log directory", zap.Error(err))
	}

	closeErr := s.file.Close()
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return errors.CheckpointFailed("failed to reopen commit log", multierr.Append(err, closeErr))
	}
	s.file = file
	s.writer.Reset(file)

	s.sequence = nextSeq
	s.birth = now
	s.size = written
	s.metrics.SetLogSize(s.size)

	s.logger.Info("Checkpointed commit log",
		zap.String("path", path),
		zap.Uint64("sequence", nextSeq),
		zap.Int64("size", written))
	return nil
}

func writeCheckpoint(path string, seq uint64, timestamp int64, snapshot SnapshotFunc) (written int64, err error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()

	w := wal.NewWriter(file)
	if _, err := w.Write(model.HistoricalSequenceEntry(seq, timestamp)); err != nil {
		return 0, err
	}
	err = snapshot(func(key string, ad classad.Ad) error {
		_, err := w.Write(&model.LogEntry{Op: model.OpNewRecord, Key: key, Ad: ad})
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	if err := file.Sync(); err != nil {
		return 0, err
	}
	return w.Written(), nil
}

// keepHistorical links the current log to <path>.<seq> and removes the
// historical log that falls out of the retention window.
func (s *CommitLogService) keepHistorical(path string, seq uint64) error {
	historical := HistoricalLogPath(path, seq)
	_ = os.Remove(historical)
	if err := os.Link(path, historical); err != nil {
		if err := copyFile(path, historical); err != nil {
			return err
		}
	}

	keep := uint64(s.config.MaxHistoricalLogs)
	if seq > keep {
		expired := HistoricalLogPath(path, seq-keep)
		if err := os.Remove(expired); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// HistoricalLogPath returns the name of the log kept for sequence seq.
func HistoricalLogPath(path string, seq uint64) string {
	return fmt.Sprintf("%s.%d", path, seq)
}

// Sequence returns the historical sequence number of the current log.
func (s *CommitLogService) Sequence() uint64 {
	return s.sequence
}

// Size returns the size of the current log in bytes.
func (s *CommitLogService) Size() int64 {
	return s.size
}

// Path returns the log file path
func (s *CommitLogService) Path() string {
	return s.config.Path
}

// Close flushes and closes the log.
func (s *CommitLogService) Close() error {
	if s.file == nil {
		return nil
	}
	var err error
	if s.writer != nil {
		err = multierr.Append(err, s.writer.Flush())
		err = multierr.Append(err, s.file.Sync())
	}
	err = multierr.Append(err, s.file.Close())
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed to close commit log: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	return multierr.Append(d.Sync(), d.Close())
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, out.Close())
	}()

	_, err = io.Copy(out, in)
	return err
}
