package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/dossiersync/live"
	"github.com/c360studio/dossiersync/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOnline struct {
	*live.Value[bool]
}

func newFakeOnline(online bool) *fakeOnline {
	return &fakeOnline{Value: live.NewValue(online)}
}

func (f *fakeOnline) Online() bool { return f.Get() }

// fakeSender records attempts per recipient and fails the recipients listed
// in failWith.
type fakeSender struct {
	mu       sync.Mutex
	attempts map[string]int
	sent     []MessageRequest
	failWith map[string]error
	block    chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		attempts: make(map[string]int),
		failWith: make(map[string]error),
	}
}

func (s *fakeSender) CreateMessage(ctx context.Context, req MessageRequest) (*Message, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[req.Recipient]++
	if err, ok := s.failWith[req.Recipient]; ok {
		return nil, err
	}
	s.sent = append(s.sent, req)
	return &Message{
		ID:        fmt.Sprintf("msg-%d", len(s.sent)),
		DossierID: req.DossierID,
		Recipient: req.Recipient,
		Status:    "sent",
	}, nil
}

func (s *fakeSender) attemptsFor(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[recipient]
}

func (s *fakeSender) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, r := range s.sent {
		out[i] = r.Recipient
	}
	return out
}

func request(recipient string) MessageRequest {
	return MessageRequest{
		DossierID: "d-1",
		Channel:   "email",
		Recipient: recipient,
		Body:      "Visit confirmed",
	}
}

func TestEnqueue_OnlineSendsImmediately(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	store := storage.NewMemory()

	q, err := NewQueue(ctx, sender, store, newFakeOnline(true))
	require.NoError(t, err)

	msg, err := q.Enqueue(ctx, request("a@example.com"))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "a@example.com", msg.Recipient)
	assert.Equal(t, 0, q.Len())

	_, err = store.Get(ctx, DefaultQueueKey)
	assert.ErrorIs(t, err, storage.ErrNotFound, "online sends never touch the store")
}

func TestEnqueue_OnlineErrorPropagates(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	sender.failWith["a@example.com"] = NewTransientError(errors.New("503"))

	q, err := NewQueue(ctx, sender, storage.NewMemory(), newFakeOnline(true))
	require.NoError(t, err)

	msg, err := q.Enqueue(ctx, request("a@example.com"))
	assert.Nil(t, msg)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 0, q.Len(), "online failures are not queued")
}

func TestEnqueue_OfflinePersists(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	store := storage.NewMemory()

	q, err := NewQueue(ctx, sender, store, newFakeOnline(false))
	require.NoError(t, err)

	msg, err := q.Enqueue(ctx, request("a@example.com"))
	require.NoError(t, err)
	assert.Nil(t, msg)
	_, err = q.Enqueue(ctx, request("b@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 0, sender.attemptsFor("a@example.com"))

	data, err := store.Get(ctx, DefaultQueueKey)
	require.NoError(t, err)
	var stored []QueuedMessage
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Len(t, stored, 2)
	assert.Equal(t, "a@example.com", stored[0].Payload.Recipient)
	assert.Equal(t, "b@example.com", stored[1].Payload.Recipient)
	assert.NotEqual(t, stored[0].ID, stored[1].ID)
	assert.Less(t, stored[0].ID, stored[1].ID, "IDs sort in enqueue order")
	assert.Zero(t, stored[0].RetryCount)
}

func TestNewQueue_ReloadsPersistedQueue(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	first, err := NewQueue(ctx, newFakeSender(), store, newFakeOnline(false))
	require.NoError(t, err)
	for _, r := range []string{"a", "b", "c"} {
		_, err := first.Enqueue(ctx, request(r))
		require.NoError(t, err)
	}

	second, err := NewQueue(ctx, newFakeSender(), store, newFakeOnline(false))
	require.NoError(t, err)
	pending := second.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, first.Pending(), pending)
}

func TestNewQueue_CorruptStoreStartsEmpty(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Set(ctx, DefaultQueueKey, []byte("{not json")))

	q, err := NewQueue(ctx, newFakeSender(), store, newFakeOnline(false))
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())

	_, err = q.Enqueue(ctx, request("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestSync_OfflineIsNoop(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	q, err := NewQueue(ctx, sender, storage.NewMemory(), newFakeOnline(false))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("a"))
	require.NoError(t, err)

	res, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 0, sender.attemptsFor("a"))
}

func TestSync_RetryCeiling(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	sender.failWith["m2"] = NewTransientError(errors.New("gateway timeout"))
	online := newFakeOnline(false)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	q, err := NewQueue(ctx, sender, storage.NewMemory(), online, WithMetrics(metrics))
	require.NoError(t, err)
	for _, r := range []string{"m1", "m2", "m3"} {
		_, err := q.Enqueue(ctx, request(r))
		require.NoError(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Pending))

	online.Set(true)

	res, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, res.Delivered, 2)
	assert.Equal(t, []string{"m1", "m3"}, sender.sentTo())
	require.Equal(t, 1, res.Retained)
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "m2", pending[0].Payload.Recipient)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "gateway timeout", pending[0].LastError)

	res, err = q.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, q.Pending()[0].RetryCount)

	res, err = q.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0].Err, ErrMaxRetries)
	assert.Equal(t, "m2", res.Failed[0].Message.Payload.Recipient)
	assert.Equal(t, 0, q.Len())

	select {
	case fd := <-q.Failures():
		assert.Equal(t, "m2", fd.Message.Payload.Recipient)
		assert.Equal(t, 3, fd.Message.RetryCount)
	default:
		t.Fatal("permanent failure was not reported")
	}

	// Nothing left to attempt: a fourth attempt never happens.
	_, err = q.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sender.attemptsFor("m2"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Delivered))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Deferred))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Retried))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Failed))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Pending))
}

func TestSync_FatalFailsImmediately(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	sender.failWith["bad"] = NewFatalError(errors.New("422 invalid recipient"))
	online := newFakeOnline(false)

	q, err := NewQueue(ctx, sender, storage.NewMemory(), online)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("bad"))
	require.NoError(t, err)

	online.Set(true)
	res, err := q.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.True(t, IsFatal(res.Failed[0].Err))
	assert.False(t, errors.Is(res.Failed[0].Err, ErrMaxRetries))
	assert.Equal(t, 1, sender.attemptsFor("bad"))
	assert.Equal(t, 0, q.Len())
}

func TestRunSync_LogsFailuresWhenReportsOverflow(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	sender.failWith["bad"] = NewFatalError(errors.New("422 invalid recipient"))
	online := newFakeOnline(false)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	q, err := NewQueue(ctx, sender, storage.NewMemory(), online,
		WithLogger(logger),
		WithFailureBuffer(0))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("bad"))
	require.NoError(t, err)
	id := q.Pending()[0].ID

	online.Set(true)
	q.runSync(ctx)

	assert.Equal(t, 0, q.Len())
	assert.Contains(t, logs.String(), "Outbound messages dropped during background sync")
	assert.Contains(t, logs.String(), id)
}

func TestSync_RetryFatalKeepsTrying(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	sender.failWith["bad"] = NewFatalError(errors.New("400"))
	online := newFakeOnline(false)

	q, err := NewQueue(ctx, sender, storage.NewMemory(), online,
		WithRetryConfig(RetryConfig{MaxAttempts: 2, RetryFatal: true}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("bad"))
	require.NoError(t, err)

	online.Set(true)
	res, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)

	res, err = q.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0].Err, ErrMaxRetries)
}

func TestSync_MutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	sender.block = make(chan struct{})
	online := newFakeOnline(false)

	q, err := NewQueue(ctx, sender, storage.NewMemory(), online)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("a"))
	require.NoError(t, err)
	online.Set(true)

	done := make(chan SyncResult)
	go func() {
		res, _ := q.Sync(ctx)
		done <- res
	}()
	require.Eventually(t, q.Syncing, time.Second, time.Millisecond)

	res, err := q.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "a second pass must not start while one is running")

	close(sender.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Len(t, first.Delivered, 1)
	assert.Equal(t, 1, sender.attemptsFor("a"))
	assert.False(t, q.Syncing())
}

func TestSync_CancelledPassKeepsRetryCount(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	sender.block = make(chan struct{})
	defer close(sender.block)
	online := newFakeOnline(false)

	q, err := NewQueue(ctx, sender, storage.NewMemory(), online)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("a"))
	require.NoError(t, err)
	online.Set(true)

	for pass := 0; pass < 3; pass++ {
		passCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		res, err := q.Sync(passCtx)
		cancel()
		require.NoError(t, err)
		assert.Empty(t, res.Failed)
		assert.Equal(t, 1, res.Retained)
	}

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount, "a cancelled pass is not a delivery failure")
	select {
	case f := <-q.Failures():
		t.Fatalf("unexpected failure %v", f.Err)
	default:
	}
}

func TestSync_KeepsMessagesEnqueuedDuringPass(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	sender.block = make(chan struct{})
	online := newFakeOnline(false)
	store := storage.NewMemory()

	q, err := NewQueue(ctx, sender, store, online)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, request("first"))
	require.NoError(t, err)

	online.Set(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Sync(ctx)
	}()
	require.Eventually(t, q.Syncing, time.Second, time.Millisecond)

	// An offline enqueue lands while the pass is in flight.
	online.Set(false)
	_, err = q.Enqueue(ctx, request("late"))
	require.NoError(t, err)
	online.Set(true)

	close(sender.block)
	<-done

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "late", pending[0].Payload.Recipient)

	reloaded, err := NewQueue(ctx, newFakeSender(), store, newFakeOnline(false))
	require.NoError(t, err)
	assert.Equal(t, pending, reloaded.Pending())
}

func TestStart_SyncsOnReconnect(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender()
	online := newFakeOnline(false)

	q, err := NewQueue(ctx, sender, storage.NewMemory(), online)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	defer q.Stop()
	assert.Error(t, q.Start(ctx))

	for _, r := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, request(r))
		require.NoError(t, err)
	}

	online.Set(true)
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, sender.sentTo())
}

func TestStart_FlushesPendingWhenAlreadyOnline(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	offline, err := NewQueue(ctx, newFakeSender(), store, newFakeOnline(false))
	require.NoError(t, err)
	_, err = offline.Enqueue(ctx, request("a"))
	require.NoError(t, err)

	sender := newFakeSender()
	q, err := NewQueue(ctx, sender, store, newFakeOnline(true))
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, sender.sentTo())
}

func TestStop_Idempotent(t *testing.T) {
	q, err := NewQueue(context.Background(), newFakeSender(), storage.NewMemory(), newFakeOnline(true))
	require.NoError(t, err)
	q.Stop()
	require.NoError(t, q.Start(context.Background()))
	q.Stop()
	q.Stop()
}

func TestNewQueue_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := NewQueue(ctx, nil, storage.NewMemory(), newFakeOnline(true))
	assert.Error(t, err)
	_, err = NewQueue(ctx, newFakeSender(), storage.NewMemory(), newFakeOnline(true),
		WithRetryConfig(RetryConfig{MaxAttempts: 0}))
	assert.Error(t, err)
}
