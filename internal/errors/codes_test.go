package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestStorageError_Wrapping(t *testing.T) {
	err := CommitLogFailed("failed to sync log", io.ErrShortWrite)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, "failed to sync log: short write", err.Error())

	wrapped := fmt.Errorf("commit: %w", err)
	assert.True(t, IsStorageError(wrapped))
	assert.Equal(t, ErrCodeCommitLogFailed, GetCode(wrapped))
	assert.Equal(t, ErrCodeInternal, GetCode(io.EOF))
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"commit log", CommitLogFailed("write", nil), true},
		{"checkpoint", fmt.Errorf("open: %w", CheckpointFailed("rename", nil)), true},
		{"not found", KeyNotFound("a"), false},
		{"plain", io.EOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		err  *StorageError
		want codes.Code
	}{
		{KeyNotFound("a"), codes.NotFound},
		{ViewNotFound(3), codes.NotFound},
		{KeyExists("a"), codes.AlreadyExists},
		{InvalidKey("a b", "whitespace"), codes.InvalidArgument},
		{TransactionActive(), codes.FailedPrecondition},
		{ReadOnly("new record"), codes.FailedPrecondition},
		{DiskFull(99, 10), codes.ResourceExhausted},
		{DiskThrottled(92), codes.Unavailable},
		{CorruptedData("bad", nil), codes.DataLoss},
		{CommitLogFailed("sync", nil), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Message, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := KeyExists("job.1")
	assert.Equal(t, "job.1", err.Details["key"])
	assert.Equal(t, 7, ViewNotFound(7).Details["view_id"])
}
