package processors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abjerry97/duespay/api"
)

type chanQueue struct {
	mu     sync.Mutex
	queued map[string]bool
	refs   chan string
}

func newChanQueue() *chanQueue {
	return &chanQueue{queued: make(map[string]bool), refs: make(chan string, 16)}
}

func (q *chanQueue) EnqueueReference(ctx context.Context, referenceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[referenceID] {
		return nil
	}
	q.queued[referenceID] = true
	q.refs <- referenceID
	return nil
}

func (q *chanQueue) FinishReference(ctx context.Context, referenceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queued, referenceID)
	return nil
}

func (q *chanQueue) isQueued(referenceID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[referenceID]
}

func (q *chanQueue) DequeueReference(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case ref := <-q.refs:
		return ref, nil
	case <-time.After(timeout):
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type memoryCache struct {
	mu       sync.Mutex
	statuses map[string]api.StatusUpdate
	claims   map[string]bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{statuses: make(map[string]api.StatusUpdate), claims: make(map[string]bool)}
}

func (c *memoryCache) CacheStatus(ctx context.Context, update api.StatusUpdate, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[update.ReferenceID] = update
	return nil
}

func (c *memoryCache) ClaimPoll(ctx context.Context, referenceID string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims[referenceID] {
		return false, nil
	}
	c.claims[referenceID] = true
	return true, nil
}

func (c *memoryCache) ReleasePoll(ctx context.Context, referenceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, referenceID)
	return nil
}

func (c *memoryCache) status(referenceID string) (api.StatusUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.statuses[referenceID]
	return u, ok
}

type recordedState struct {
	state     api.PollState
	receiptID string
}

type memoryRecorder struct {
	mu     sync.Mutex
	states map[string]recordedState
}

func (r *memoryRecorder) UpdateSubmissionState(ctx context.Context, referenceID string, state api.PollState, receiptID string, checkedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[referenceID] = recordedState{state: state, receiptID: receiptID}
	return nil
}

func (r *memoryRecorder) get(referenceID string) (recordedState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[referenceID]
	return s, ok
}

func setupProcessor(fetcher StatusFetcher) (*PaymentProcessor, *chanQueue, *memoryCache, *memoryRecorder) {
	queue := newChanQueue()
	cache := newMemoryCache()
	recorder := &memoryRecorder{states: make(map[string]recordedState)}
	p := NewPaymentProcessor(fetcher, queue, cache, recorder, 2).WithPollConfig(fastConfig(5, true))
	return p, queue, cache, recorder
}

func TestPaymentProcessor_ProcessReference(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{pending, verified}}
	p, _, cache, recorder := setupProcessor(fetcher)

	require.NoError(t, p.processReference(context.Background(), "TXN-1"))

	update, ok := cache.status("TXN-1")
	require.True(t, ok)
	assert.Equal(t, api.StateVerified, update.State)

	recorded, ok := recorder.get("TXN-1")
	require.True(t, ok)
	assert.Equal(t, api.StateVerified, recorded.state)
	assert.Equal(t, "RCP-9", recorded.receiptID)

	claimed, _ := cache.ClaimPoll(context.Background(), "TXN-1", time.Minute)
	assert.True(t, claimed, "claim released after polling")
}

func TestPaymentProcessor_SkipsClaimedReference(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{verified}}
	p, _, cache, recorder := setupProcessor(fetcher)

	_, _ = cache.ClaimPoll(context.Background(), "TXN-1", time.Minute)
	require.NoError(t, p.processReference(context.Background(), "TXN-1"))

	assert.Equal(t, 0, fetcher.Calls())
	_, ok := recorder.get("TXN-1")
	assert.False(t, ok)
}

func TestPaymentProcessor_RecordsTimeout(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{pending}}
	p, _, cache, recorder := setupProcessor(fetcher)

	require.NoError(t, p.processReference(context.Background(), "TXN-1"))

	update, _ := cache.status("TXN-1")
	assert.Equal(t, api.StateTimedOut, update.State)
	recorded, _ := recorder.get("TXN-1")
	assert.Equal(t, api.StateTimedOut, recorded.state)
	assert.Equal(t, 5, fetcher.Calls())
}

func TestPaymentProcessor_RepeatedEnqueuePollsOnce(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{pending}}
	queue := newChanQueue()
	cache := newMemoryCache()
	recorder := &memoryRecorder{states: make(map[string]recordedState)}
	p := NewPaymentProcessor(fetcher, queue, cache, recorder, 1).WithPollConfig(fastConfig(5, true))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, queue.EnqueueReference(ctx, "TXN-1"))
	}
	assert.Len(t, queue.refs, 1)

	require.NoError(t, p.processNextReference(ctx))
	assert.Equal(t, 5, fetcher.Calls())
	assert.False(t, queue.isQueued("TXN-1"), "finished reference can be queued again")

	require.NoError(t, queue.EnqueueReference(ctx, "TXN-1"))
	assert.Len(t, queue.refs, 1)
}

func TestPaymentProcessor_SkippedReferenceStaysQueued(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{verified}}
	p, queue, cache, _ := setupProcessor(fetcher)
	ctx := context.Background()

	_, _ = cache.ClaimPoll(ctx, "TXN-1", time.Minute)
	require.NoError(t, queue.EnqueueReference(ctx, "TXN-1"))
	require.NoError(t, p.processNextReference(ctx))

	assert.Equal(t, 0, fetcher.Calls())
	assert.True(t, queue.isQueued("TXN-1"))
}

func TestPaymentProcessor_StartStop(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{verified}}
	p, queue, _, recorder := setupProcessor(fetcher)

	p.Start(context.Background())
	require.NoError(t, queue.EnqueueReference(context.Background(), "TXN-1"))

	require.Eventually(t, func() bool {
		_, ok := recorder.get("TXN-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("workers did not stop")
	}
}
