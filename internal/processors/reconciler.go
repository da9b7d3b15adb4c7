package processors

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// PendingLister lists submissions whose confirmation is still open and were
// last checked before the cutoff.
type PendingLister interface {
	ListPendingReferences(ctx context.Context, checkedBefore time.Time, limit int) ([]string, error)
}

// Reconciler periodically puts unresolved submissions back on the status
// queue.
type Reconciler struct {
	lister PendingLister
	queue  ReferenceQueue
	grace  time.Duration
	limit  int
	cron   *cron.Cron
	now    func() time.Time
}

func NewReconciler(lister PendingLister, queue ReferenceQueue, grace time.Duration) *Reconciler {
	return &Reconciler{
		lister: lister,
		queue:  queue,
		grace:  grace,
		limit:  500,
		now:    time.Now,
	}
}

// Sweep enqueues every pending reference older than the grace period and
// returns how many were enqueued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	refs, err := r.lister.ListPendingReferences(ctx, r.now().Add(-r.grace), r.limit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, ref := range refs {
		if err := r.queue.EnqueueReference(ctx, ref); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// Start schedules Sweep with a standard five-field cron expression.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(schedule, func() {
		n, err := r.Sweep(ctx)
		if err != nil {
			log.WithError(err).Error("reconcile sweep failed")
			return
		}
		if n > 0 {
			log.WithField("enqueued", n).Info("reconcile sweep re-enqueued pending payments")
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	log.WithField("schedule", schedule).Info("Reconciler started")
	return nil
}

func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
