package processors

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
)

type StatusFetcher interface {
	GetPaymentStatus(ctx context.Context, referenceID string, timeout time.Duration) (*api.TransactionStatus, error)
}

type PollConfig struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int
	// StopOnNotFound ends polling on the first "does not exist" answer.
	// Without it not_found is shown but polling goes on, since a fresh
	// submission may not be visible yet.
	StopOnNotFound bool
}

var (
	CallbackPolling = PollConfig{
		Interval:       2500 * time.Millisecond,
		RequestTimeout: 20 * time.Second,
		MaxAttempts:    60,
		StopOnNotFound: true,
	}
	WizardPolling = PollConfig{
		Interval:       5 * time.Second,
		RequestTimeout: 15 * time.Second,
		MaxAttempts:    30,
	}
)

// Budget is the longest a poller can run without a manual refresh.
func (c PollConfig) Budget() time.Duration {
	return time.Duration(c.MaxAttempts)*c.Interval + c.RequestTimeout
}

// StatusPoller polls one reference from a single goroutine, so checks for
// the reference never overlap.
type StatusPoller struct {
	fetcher     StatusFetcher
	referenceID string
	cfg         PollConfig
	refresh     chan struct{}
}

func NewStatusPoller(fetcher StatusFetcher, referenceID string, cfg PollConfig) *StatusPoller {
	return &StatusPoller{
		fetcher:     fetcher,
		referenceID: referenceID,
		cfg:         cfg,
		refresh:     make(chan struct{}, 1),
	}
}

func (p *StatusPoller) ReferenceID() string {
	return p.referenceID
}

// Refresh requests an immediate check and resets the attempt counter.
func (p *StatusPoller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Run polls until verified, a stopping not_found, budget exhaustion or ctx
// cancellation, and returns the last state. onUpdate is called from the
// polling goroutine for every check and its outcome. No fetch is issued
// after ctx is done.
func (p *StatusPoller) Run(ctx context.Context, onUpdate func(api.StatusUpdate)) (api.PollState, error) {
	logger := log.WithField("reference_id", p.referenceID)
	timer := time.NewTimer(0)
	defer timer.Stop()

	state := api.StateChecking
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-p.refresh:
			attempt = 0
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		attempt++
		p.emit(onUpdate, api.StateChecking, attempt, nil, nil)

		status, err := p.fetcher.GetPaymentStatus(ctx, p.referenceID, p.cfg.RequestTimeout)
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		status, next, err := evaluate(p.referenceID, status, err)

		stop := false
		if err != nil {
			// transient, keep polling
			logger.WithError(err).WithField("attempt", attempt).Debug("status check failed")
		} else {
			state = next
			stop = next == api.StateVerified || (next == api.StateNotFound && p.cfg.StopOnNotFound)
		}
		p.emit(onUpdate, state, attempt, status, err)
		if stop {
			return state, nil
		}

		if attempt >= p.cfg.MaxAttempts {
			select {
			case <-p.refresh:
				attempt = 0
				timer.Reset(0)
				continue
			default:
			}
			state = api.StateTimedOut
			logger.WithField("attempts", attempt).Info("status polling budget exhausted")
			p.emit(onUpdate, state, attempt, status, nil)
			return state, nil
		}
		timer.Reset(p.cfg.Interval)
	}
}

// evaluate maps one fetch outcome onto a state. A 404 means the reference
// is not known (yet); any other error is returned as is.
func evaluate(referenceID string, status *api.TransactionStatus, err error) (*api.TransactionStatus, api.PollState, error) {
	if err != nil {
		if api.IsKind(err, api.ErrNotFound) {
			return &api.TransactionStatus{ReferenceID: referenceID}, api.StateNotFound, nil
		}
		return nil, "", err
	}
	switch {
	case status.Exists && status.IsVerified:
		return status, api.StateVerified, nil
	case !status.Exists:
		return status, api.StateNotFound, nil
	}
	return status, api.StateUnderVerification, nil
}

// CheckOnce runs a single status check outside of any polling loop.
func CheckOnce(ctx context.Context, fetcher StatusFetcher, referenceID string, timeout time.Duration) (api.StatusUpdate, error) {
	status, err := fetcher.GetPaymentStatus(ctx, referenceID, timeout)
	status, state, err := evaluate(referenceID, status, err)
	if err != nil {
		return api.StatusUpdate{}, err
	}
	return api.StatusUpdate{
		ReferenceID: referenceID,
		State:       state,
		Attempt:     1,
		MaxAttempts: 1,
		Status:      status,
		CheckedAt:   time.Now().UTC(),
	}, nil
}

func (p *StatusPoller) emit(onUpdate func(api.StatusUpdate), state api.PollState, attempt int, status *api.TransactionStatus, err error) {
	if onUpdate == nil {
		return
	}
	update := api.StatusUpdate{
		ReferenceID: p.referenceID,
		State:       state,
		Attempt:     attempt,
		MaxAttempts: p.cfg.MaxAttempts,
		Status:      status,
		CheckedAt:   time.Now().UTC(),
	}
	if err != nil {
		update.Error = api.AsError(err).Message
	}
	onUpdate(update)
}

// Watchers tracks live pollers by reference so that a manual refresh can
// reach the poller behind an open stream.
type Watchers struct {
	mu      sync.Mutex
	pollers map[string]map[*StatusPoller]struct{}
}

func NewWatchers() *Watchers {
	return &Watchers{pollers: make(map[string]map[*StatusPoller]struct{})}
}

// Add registers p and returns the function that removes it again.
func (w *Watchers) Add(p *StatusPoller) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.pollers[p.referenceID]
	if !ok {
		set = make(map[*StatusPoller]struct{})
		w.pollers[p.referenceID] = set
	}
	set[p] = struct{}{}

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(set, p)
		if len(set) == 0 {
			delete(w.pollers, p.referenceID)
		}
	}
}

// Refresh pokes every live poller for the reference and reports how many
// there were.
func (w *Watchers) Refresh(referenceID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p := range w.pollers[referenceID] {
		p.Refresh()
	}
	return len(w.pollers[referenceID])
}
