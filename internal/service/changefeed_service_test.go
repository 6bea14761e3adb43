package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/metrics"
	"github.com/devrev/pairdb/adstore/internal/model"
)

// fakeProducer acknowledges records synchronously.
type fakeProducer struct {
	records  []*kgo.Record
	failKey  string
	flushErr error
	flushed  bool
	closed   bool
}

func (p *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.records = append(p.records, r)
	var err error
	if string(r.Key) == p.failKey {
		err = stderrors.New("broker unavailable")
	}
	promise(r, err)
}

func (p *fakeProducer) Flush(context.Context) error {
	p.flushed = true
	return p.flushErr
}

func (p *fakeProducer) Close() {
	p.closed = true
}

func TestChangeFeedService_PublishesChanges(t *testing.T) {
	producer := &fakeProducer{failKey: "job3"}
	m := metrics.NewMetrics("test-node", prometheus.NewRegistry())
	feed := NewChangeFeedService(&ChangeFeedConfig{NodeID: "test-node", Topic: "ads"}, producer, m, zap.NewNop())

	feed.OnChanges([]model.Change{
		{Kind: model.ChangeCreated, Op: model.OpNewRecord, Key: "job1", Ad: classad.New(map[string]any{"A": 1})},
		{Kind: model.ChangeDestroyed, Op: model.OpDestroyRecord, Key: "job2"},
	})
	feed.OnChanges([]model.Change{
		{Kind: model.ChangeUpdated, Op: model.OpUpdateRecord, Key: "job3", Ad: classad.New(nil)},
	})

	require.Len(t, producer.records, 3)
	assert.Equal(t, "ads", producer.records[0].Topic)
	assert.Equal(t, []byte("job1"), producer.records[0].Key)

	var first, second, third ChangeEvent
	require.NoError(t, json.Unmarshal(producer.records[0].Value, &first))
	require.NoError(t, json.Unmarshal(producer.records[1].Value, &second))
	require.NoError(t, json.Unmarshal(producer.records[2].Value, &third))

	assert.Equal(t, model.ChangeCreated, first.Kind)
	assert.Equal(t, "NewRecord", first.Op)
	assert.Equal(t, "test-node", first.NodeID)
	assert.Equal(t, classad.New(map[string]any{"A": 1}), first.Ad)
	assert.Nil(t, second.Ad)
	assert.Equal(t, first.Batch, second.Batch)
	assert.Equal(t, first.Batch+1, third.Batch)

	assert.Equal(t, uint64(2), feed.Published())
	assert.Equal(t, uint64(1), feed.Failed())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChangeFeedPublishesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangeFeedPublishesTotal.WithLabelValues("error")))
}

func TestChangeFeedService_Close(t *testing.T) {
	producer := &fakeProducer{}
	feed := NewChangeFeedService(&ChangeFeedConfig{Topic: "ads"}, producer, nil, zap.NewNop())
	require.NoError(t, feed.Close())
	assert.True(t, producer.flushed)
	assert.True(t, producer.closed)

	producer = &fakeProducer{flushErr: context.DeadlineExceeded}
	feed = NewChangeFeedService(&ChangeFeedConfig{Topic: "ads"}, producer, nil, zap.NewNop())
	err := feed.Close()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, producer.closed)
}

func TestNewKafkaProducer_Validates(t *testing.T) {
	_, err := NewKafkaProducer(&ChangeFeedConfig{Topic: "ads"}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewKafkaProducer(&ChangeFeedConfig{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Error(t, err)
}

func TestStoreService_FeedsListeners(t *testing.T) {
	producer := &fakeProducer{}
	feed := NewChangeFeedService(&ChangeFeedConfig{Topic: "ads"}, producer, nil, zap.NewNop())

	s, err := OpenStore(&StoreConfig{LogPath: t.TempDir() + "/records.log"}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	s.AddListener(feed)

	require.NoError(t, s.NewRecord("job1", classad.New(map[string]any{"A": 1})))
	require.NoError(t, s.DestroyRecord("job1"))
	require.Len(t, producer.records, 2)
}
