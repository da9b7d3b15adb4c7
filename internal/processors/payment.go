package processors

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
)

// ReferenceQueue holds each reference at most once from enqueue until
// FinishReference, so repeated requests do not stack up fresh polls.
type ReferenceQueue interface {
	EnqueueReference(ctx context.Context, referenceID string) error
	// DequeueReference returns "" when nothing arrived within timeout.
	DequeueReference(ctx context.Context, timeout time.Duration) (string, error)
	FinishReference(ctx context.Context, referenceID string) error
}

type StatusCache interface {
	CacheStatus(ctx context.Context, update api.StatusUpdate, ttl time.Duration) error
	// ClaimPoll reports whether the caller now owns polling for the reference.
	ClaimPoll(ctx context.Context, referenceID string, ttl time.Duration) (bool, error)
	ReleasePoll(ctx context.Context, referenceID string) error
}

type StatusRecorder interface {
	UpdateSubmissionState(ctx context.Context, referenceID string, state api.PollState, receiptID string, checkedAt time.Time) error
}

const statusCacheTTL = 24 * time.Hour

// PaymentProcessor runs callback polling in the background for references
// taken off the queue, so a status page can be served from cache.
type PaymentProcessor struct {
	fetcher     StatusFetcher
	queue       ReferenceQueue
	cache       StatusCache
	recorder    StatusRecorder
	cfg         PollConfig
	WorkerCount int
	wg          sync.WaitGroup
	stopChan    chan struct{}
	cancel      context.CancelFunc
}

// NewPaymentProcessor builds the pool. recorder may be nil.
func NewPaymentProcessor(fetcher StatusFetcher, queue ReferenceQueue, cache StatusCache, recorder StatusRecorder, WorkerCount int) *PaymentProcessor {
	return &PaymentProcessor{
		fetcher:     fetcher,
		queue:       queue,
		cache:       cache,
		recorder:    recorder,
		cfg:         CallbackPolling,
		WorkerCount: WorkerCount,
		stopChan:    make(chan struct{}),
	}
}

func (p *PaymentProcessor) WithPollConfig(cfg PollConfig) *PaymentProcessor {
	p.cfg = cfg
	return p
}

func (p *PaymentProcessor) Start(ctx context.Context) {
	log.Infof("Starting %d payment status workers", p.WorkerCount)

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop cancels in-flight polls and waits for every worker to return.
func (p *PaymentProcessor) Stop() {
	log.Info("Stopping payment status workers...")
	close(p.stopChan)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Info("All status workers stopped")
}

func (p *PaymentProcessor) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	log.Debugf("Status worker %d started", workerID)

	for {
		select {
		case <-p.stopChan:
			return
		default:
			if err := p.processNextReference(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).WithField("worker", workerID).Warn("status worker error")
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

func (p *PaymentProcessor) processNextReference(ctx context.Context) error {
	referenceID, err := p.queue.DequeueReference(ctx, 1*time.Second)
	if err != nil {
		return err
	}

	if referenceID == "" {
		return nil
	}

	return p.processReference(ctx, referenceID)
}

func (p *PaymentProcessor) processReference(ctx context.Context, referenceID string) error {
	logger := log.WithField("reference_id", referenceID)

	claimed, err := p.cache.ClaimPoll(ctx, referenceID, p.cfg.Budget())
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("reference already being polled")
		return nil
	}
	// deferred first so it runs after the claim is released
	defer func() {
		if err := p.queue.FinishReference(context.WithoutCancel(ctx), referenceID); err != nil {
			logger.WithError(err).Warn("failed to clear queued marker")
		}
	}()
	defer func() {
		if err := p.cache.ReleasePoll(context.WithoutCancel(ctx), referenceID); err != nil {
			logger.WithError(err).Warn("failed to release poll claim")
		}
	}()

	var last *api.TransactionStatus
	poller := NewStatusPoller(p.fetcher, referenceID, p.cfg)
	state, err := poller.Run(ctx, func(update api.StatusUpdate) {
		if update.State == api.StateChecking {
			return
		}
		if update.Status != nil {
			last = update.Status
		}
		if err := p.cache.CacheStatus(ctx, update, statusCacheTTL); err != nil {
			logger.WithError(err).Warn("failed to cache status")
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		logger.WithError(err).Warn("status polling aborted")
		return nil
	}

	logger.WithField("state", state).Info("Status polling finished")
	if p.recorder == nil {
		return nil
	}

	receiptID := ""
	if last != nil {
		receiptID = last.ReceiptID
	}
	if err := p.recorder.UpdateSubmissionState(ctx, referenceID, state, receiptID, time.Now().UTC()); err != nil {
		logger.WithError(err).Warn("failed to record status")
	}
	return nil
}
