package delivery

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/dossiersync/storage"
	"github.com/oklog/ulid/v2"
)

// DefaultQueueKey is the storage key holding the serialized queue.
const DefaultQueueKey = "dossiersync/outbound-queue"

// Queue is the offline-tolerant outbound message queue.
type Queue struct {
	sender  Sender
	store   storage.KV
	online  OnlineSource
	key     string
	retry   RetryConfig
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	items   []QueuedMessage
	entropy *ulid.MonotonicEntropy

	syncing  atomic.Bool
	failures chan FailedDelivery

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithKey overrides DefaultQueueKey.
func WithKey(key string) Option {
	return func(q *Queue) {
		q.key = key
	}
}

// WithRetryConfig sets the retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(q *Queue) {
		q.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithFailureBuffer sets the capacity of the Failures channel.
func WithFailureBuffer(n int) Option {
	return func(q *Queue) {
		q.failures = make(chan FailedDelivery, n)
	}
}

// NewQueue creates a queue and loads any persisted messages from store. A
// stored value that cannot be decoded is treated as an empty queue.
func NewQueue(ctx context.Context, sender Sender, store storage.KV, online OnlineSource, opts ...Option) (*Queue, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender required")
	}
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if online == nil {
		return nil, fmt.Errorf("online source required")
	}

	q := &Queue{
		sender:   sender,
		store:    store,
		online:   online,
		key:      DefaultQueueKey,
		retry:    DefaultRetryConfig(),
		logger:   slog.Default(),
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		failures: make(chan FailedDelivery, 64),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = NewMetrics(nil)
	}
	if q.retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry.MaxAttempts must be at least 1")
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	data, err := q.store.Get(ctx, q.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load queue: %w", err)
	}

	var items []QueuedMessage
	if err := json.Unmarshal(data, &items); err != nil {
		q.logger.Warn("Discarding unreadable outbound queue",
			"key", q.key,
			"error", err)
		return nil
	}

	q.items = items
	q.metrics.Pending.Set(float64(len(items)))
	if len(items) > 0 {
		q.logger.Info("Loaded outbound queue", "pending", len(items))
	}
	return nil
}

// persist replaces the stored queue with items. Callers hold q.mu.
func (q *Queue) persist(ctx context.Context, items []QueuedMessage) error {
	if items == nil {
		items = []QueuedMessage{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := q.store.Set(ctx, q.key, data); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	q.metrics.Pending.Set(float64(len(items)))
	return nil
}

// Enqueue delivers req immediately when online and returns the created
// message; a delivery error is returned unchanged and nothing is queued.
// When offline, req is queued and persisted and Enqueue returns (nil, nil).
func (q *Queue) Enqueue(ctx context.Context, req MessageRequest) (*Message, error) {
	if q.online.Online() {
		msg, err := q.sender.CreateMessage(ctx, req)
		if err != nil {
			return nil, err
		}
		q.metrics.Delivered.Inc()
		return msg, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC().Round(0)
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	item := QueuedMessage{
		ID:         id.String(),
		Payload:    req,
		EnqueuedAt: now,
	}

	q.items = append(q.items, item)
	if err := q.persist(ctx, q.items); err != nil {
		q.items = q.items[:len(q.items)-1]
		return nil, err
	}

	q.metrics.Deferred.Inc()
	q.logger.Info("Queued outbound message while offline",
		"id", item.ID,
		"dossier_id", req.DossierID,
		"pending", len(q.items))
	return nil, nil
}

// Sync attempts delivery of every queued message in enqueue order. It does
// nothing when offline or when another pass is already running.
//
// A failed message is kept for a later pass until it has failed
// RetryConfig.MaxAttempts times; it is then dropped and reported on Failures
// and in the result. Errors classified fatal fail immediately unless
// RetryConfig.RetryFatal is set. The returned error reports a failure to
// persist the resulting queue.
func (q *Queue) Sync(ctx context.Context) (SyncResult, error) {
	if !q.online.Online() {
		return SyncResult{Skipped: true}, nil
	}
	if !q.syncing.CompareAndSwap(false, true) {
		return SyncResult{Skipped: true}, nil
	}
	defer q.syncing.Store(false)

	q.mu.Lock()
	snapshot := make([]QueuedMessage, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	var result SyncResult
	retained := make([]QueuedMessage, 0, len(snapshot))

	for i, item := range snapshot {
		if ctx.Err() != nil || !q.online.Online() {
			// Untried messages keep their attempt count.
			retained = append(retained, snapshot[i:]...)
			break
		}

		msg, err := q.sender.CreateMessage(ctx, item.Payload)
		if err == nil {
			q.metrics.Delivered.Inc()
			if msg != nil {
				result.Delivered = append(result.Delivered, *msg)
			}
			q.logger.Debug("Delivered queued message", "id", item.ID)
			continue
		}
		if ctx.Err() != nil {
			// The pass was cancelled, not rejected by the API.
			retained = append(retained, snapshot[i:]...)
			break
		}

		item.RetryCount++
		item.LastError = err.Error()

		switch {
		case IsFatal(err) && !q.retry.RetryFatal:
			result.Failed = append(result.Failed, q.fail(item, err))
		case q.retry.exhausted(item.RetryCount):
			result.Failed = append(result.Failed, q.fail(item,
				fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, item.RetryCount, err)))
		default:
			q.metrics.Retried.Inc()
			q.logger.Warn("Queued message delivery failed, will retry",
				"id", item.ID,
				"attempt", item.RetryCount,
				"max_attempts", q.retry.MaxAttempts,
				"error", err)
			retained = append(retained, item)
		}
	}

	q.mu.Lock()
	// Messages enqueued while this pass ran were appended after the snapshot.
	added := q.items[len(snapshot):]
	next := make([]QueuedMessage, 0, len(retained)+len(added))
	next = append(next, retained...)
	next = append(next, added...)
	q.items = next
	// A cancelled pass still records what it delivered.
	persistErr := q.persist(context.WithoutCancel(ctx), next)
	result.Retained = len(next)
	q.mu.Unlock()

	if persistErr != nil {
		q.logger.Error("Failed to persist outbound queue after sync", "error", persistErr)
	}
	return result, persistErr
}

// fail records a permanent delivery failure.
func (q *Queue) fail(item QueuedMessage, err error) FailedDelivery {
	fd := FailedDelivery{Message: item, Err: err, FailedAt: q.now()}
	q.metrics.Failed.Inc()
	q.logger.Error("Outbound message permanently failed",
		"id", item.ID,
		"dossier_id", item.Payload.DossierID,
		"recipient", item.Payload.Recipient,
		"attempts", item.RetryCount,
		"error", err)

	select {
	case q.failures <- fd:
	default:
		q.logger.Error("Failure report buffer full; failure only logged", "id", item.ID)
	}
	return fd
}

// Failures returns the stream of permanent delivery failures. Reports that
// do not fit the buffer are only logged, so callers should drain it.
func (q *Queue) Failures() <-chan FailedDelivery {
	return q.failures
}

// Pending returns a copy of the queued messages in enqueue order.
func (q *Queue) Pending() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Syncing reports whether a sync pass is running.
func (q *Queue) Syncing() bool {
	return q.syncing.Load()
}

// Start runs Sync on every offline to online transition of the online
// source, and once immediately if the queue is non-empty and online.
func (q *Queue) Start(ctx context.Context) error {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	if q.cancel != nil {
		return fmt.Errorf("queue already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	states, unsubscribe := q.online.Subscribe()
	go func() {
		defer close(q.done)
		defer unsubscribe()

		prev, ok := <-states
		if !ok {
			return
		}
		if prev && q.Len() > 0 {
			q.runSync(loopCtx)
		}

		for {
			select {
			case <-loopCtx.Done():
				return
			case online, ok := <-states:
				if !ok {
					return
				}
				if online && !prev {
					q.runSync(loopCtx)
				}
				prev = online
			}
		}
	}()
	return nil
}

func (q *Queue) runSync(ctx context.Context) {
	res, err := q.Sync(ctx)
	if err != nil {
		return
	}
	if res.Skipped {
		return
	}
	q.logger.Info("Outbound queue synced",
		"delivered", len(res.Delivered),
		"failed", len(res.Failed),
		"retained", res.Retained)
	if len(res.Failed) > 0 {
		ids := make([]string, len(res.Failed))
		for i, f := range res.Failed {
			ids[i] = f.Message.ID
		}
		q.logger.Warn("Outbound messages dropped during background sync", "failed_ids", ids)
	}
}

// Stop ends the loop started by Start and waits for an in-flight pass.
func (q *Queue) Stop() {
	q.loopMu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
