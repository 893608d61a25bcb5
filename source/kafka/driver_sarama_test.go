package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	saramamocks "github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPartition(t *testing.T) (*saramamocks.PartitionConsumer, sarama.PartitionConsumer) {
	t.Helper()
	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true
	cons := saramamocks.NewConsumer(t, sc)
	pcm := cons.ExpectConsumePartition("orders", 0, sarama.OffsetOldest)
	pc, err := cons.ConsumePartition("orders", 0, sarama.OffsetOldest)
	require.NoError(t, err)
	return pcm, pc
}

func TestPartitionCursor_DeliversInOrderAndTracks(t *testing.T) {
	pcm, pc := newMockPartition(t)
	pcm.YieldMessage(&sarama.ConsumerMessage{Offset: 5, Key: []byte("k1"), Value: []byte("a"),
		Headers: []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("v")}}})
	pcm.YieldMessage(&sarama.ConsumerMessage{Offset: 6, Key: []byte("k2"), Value: []byte("b")})

	cur := newPartitionCursor(pc, 0)
	ctx := context.Background()

	require.True(t, cur.HasNext(ctx))
	require.True(t, cur.HasNext(ctx), "HasNext must be idempotent until Next")
	first := cur.Next()
	assert.Equal(t, "a", string(first.Value))
	assert.Equal(t, "k1", string(first.Key))
	assert.Equal(t, []byte("v"), first.Headers["h"])
	assert.Equal(t, "orders", first.Topic)

	require.True(t, cur.HasNext(ctx))
	second := cur.Next()
	assert.Equal(t, "b", string(second.Value))
	assert.Greater(t, second.Offset, first.Offset)

	next, ok := cur.cp.Next()
	require.True(t, ok)
	assert.Equal(t, second.Offset+1, next)
	assert.EqualValues(t, 2, cur.cp.Pending())
}

func TestPartitionCursor_IdleTimeout(t *testing.T) {
	_, pc := newMockPartition(t)
	cur := newPartitionCursor(pc, 20*time.Millisecond)

	start := time.Now()
	assert.False(t, cur.HasNext(context.Background()))
	assert.True(t, cur.EmptyTimeoutSignaled())
	assert.NoError(t, cur.Err())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPartitionCursor_StreamError(t *testing.T) {
	pcm, pc := newMockPartition(t)
	pcm.YieldError(sarama.ErrOutOfBrokers)

	cur := newPartitionCursor(pc, time.Second)
	assert.False(t, cur.HasNext(context.Background()))
	assert.False(t, cur.EmptyTimeoutSignaled())
	require.Error(t, cur.Err())
	assert.True(t, errors.Is(cur.Err(), sarama.ErrOutOfBrokers))
}

func TestPartitionCursor_ContextCancelUnblocks(t *testing.T) {
	_, pc := newMockPartition(t)
	cur := newPartitionCursor(pc, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- cur.HasNext(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case got := <-done:
		assert.False(t, got)
		assert.False(t, cur.EmptyTimeoutSignaled())
	case <-time.After(time.Second):
		t.Fatal("HasNext did not observe cancellation")
	}
}

func TestSaramaDriver_ConnectRejectsBadConfig(t *testing.T) {
	d := &SaramaDriver{}

	_, _, err := d.Connect(context.Background(), Config{})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "topic", ce.Key)

	_, _, err = d.Connect(context.Background(), Config{Topic: "orders", Properties: map[string]string{}})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, PropBootstrapServers, ce.Key)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

// newMockCluster starts a single broker that leads orders/0, coordinates
// group g with a stored offset of 41 and answers commits with commitErr.
func newMockCluster(t *testing.T, commitErr sarama.KError) *sarama.MockBroker {
	t.Helper()
	b := sarama.NewMockBroker(t, 1)
	t.Cleanup(b.Close)

	commit := sarama.NewMockOffsetCommitResponse(t)
	if commitErr != sarama.ErrNoError {
		commit.SetError("g", "orders", 0, commitErr)
	}
	b.SetHandlerByMap(map[string]sarama.MockResponse{
		"ApiVersionsRequest": sarama.NewMockApiVersionsResponse(t),
		"MetadataRequest": sarama.NewMockMetadataResponse(t).
			SetBroker(b.Addr(), b.BrokerID()).
			SetLeader("orders", 0, b.BrokerID()),
		"FindCoordinatorRequest": sarama.NewMockFindCoordinatorResponse(t).
			SetCoordinator(sarama.CoordinatorGroup, "g", b),
		"OffsetFetchRequest": sarama.NewMockOffsetFetchResponse(t).
			SetOffset("g", "orders", 0, 41, "", sarama.ErrNoError),
		"OffsetRequest": sarama.NewMockOffsetResponse(t).
			SetOffset("orders", 0, sarama.OffsetOldest, 0).
			SetOffset("orders", 0, sarama.OffsetNewest, 100),
		"FetchRequest": sarama.NewMockFetchResponse(t, 1).
			SetMessage("orders", 0, 41, sarama.StringEncoder("a")).
			SetHighWaterMark("orders", 0, 100),
		"OffsetCommitRequest": commit,
	})
	return b
}

func connectMock(t *testing.T, b *sarama.MockBroker) (*SaramaDriver, *partitionCursor, CommitFunc) {
	t.Helper()
	d := &SaramaDriver{}
	cur, commit, err := d.Connect(context.Background(), Config{
		Topic: "orders",
		Properties: map[string]string{
			PropBootstrapServers: b.Addr(),
			PropGroupID:          "g",
		},
	})
	require.NoError(t, err)
	return d, cur.(*partitionCursor), commit
}

func offsetCommits(b *sarama.MockBroker) int {
	n := 0
	for _, rr := range b.History() {
		if _, ok := rr.Request.(*sarama.OffsetCommitRequest); ok {
			n++
		}
	}
	return n
}

func TestSaramaDriver_ResumesAndCommitsToCoordinator(t *testing.T) {
	b := newMockCluster(t, sarama.ErrNoError)
	d, cur, commit := connectMock(t, b)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, cur.HasNext(ctx))
	m := cur.Next()
	assert.EqualValues(t, 41, m.Offset, "must resume at the stored group offset")
	assert.Equal(t, "a", string(m.Value))

	require.NoError(t, commit(ctx))
	assert.EqualValues(t, 42, cur.cp.Committed())
	_, pending := cur.cp.Next()
	assert.False(t, pending)
	assert.Equal(t, 1, offsetCommits(b))
}

func TestSaramaDriver_RejectedCommitIsReportedAndRetried(t *testing.T) {
	b := newMockCluster(t, sarama.ErrNotCoordinatorForConsumer)
	d, cur, commit := connectMock(t, b)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, cur.HasNext(ctx))
	cur.Next()

	err := commit(ctx)
	require.ErrorIs(t, err, sarama.ErrNotCoordinatorForConsumer)
	next, ok := cur.cp.Next()
	require.True(t, ok, "a rejected offset must stay pending")
	assert.EqualValues(t, 42, next)
	assert.EqualValues(t, -1, cur.cp.Committed())

	// a later cycle with nothing new still sends the pending offset
	require.ErrorIs(t, commit(ctx), sarama.ErrNotCoordinatorForConsumer)
	assert.Equal(t, 2, offsetCommits(b))
}

func TestSaramaDriver_CloseReturns(t *testing.T) {
	b := newMockCluster(t, sarama.ErrNoError)
	d, _, _ := connectMock(t, b)

	done := make(chan error, 1)
	go func() { done <- d.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.NoError(t, d.Close())
}
