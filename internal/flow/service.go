package flow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
	"github.com/abjerry97/duespay/internal/validation"
)

// Backend is the part of the remote dues API the wizard calls.
type Backend interface {
	GetAssociation(ctx context.Context, shortName string) (*api.AssociationProfile, error)
	CheckPayer(ctx context.Context, check api.PayerCheckRequest) error
	SubmitPayment(ctx context.Context, submit api.SubmitRequest) (*api.SubmissionResult, error)
}

type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// SubmissionLog records successful submissions by idempotency key.
// FindByIdempotencyKey returns nil, nil when nothing is recorded.
type SubmissionLog interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*api.SubmissionRecord, error)
	RecordSubmission(ctx context.Context, record api.SubmissionRecord) error
}

type Options struct {
	MaxProofBytes int64
	SubmitLockTTL time.Duration
}

var DefaultOptions = Options{
	MaxProofBytes: 10 << 20,
	SubmitLockTTL: 90 * time.Second,
}

type Service struct {
	backend   Backend
	store     Store
	locker    Locker
	ledger    SubmissionLog
	validator *validation.PayerValidator
	opts      Options
	now       func() time.Time
	newID     func() string
}

// NewService wires the wizard. ledger may be nil.
func NewService(backend Backend, store Store, locker Locker, ledger SubmissionLog, opts Options) *Service {
	if opts.MaxProofBytes == 0 {
		opts.MaxProofBytes = DefaultOptions.MaxProofBytes
	}
	if opts.SubmitLockTTL == 0 {
		opts.SubmitLockTTL = DefaultOptions.SubmitLockTTL
	}
	return &Service{
		backend:   backend,
		store:     store,
		locker:    locker,
		ledger:    ledger,
		validator: validation.NewPayerValidator(),
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Start loads the association and opens a flow for it. Any failure is fatal:
// no flow exists without its association.
func (s *Service) Start(ctx context.Context, shortName string) (*Flow, error) {
	shortName = strings.ToLower(strings.TrimSpace(shortName))
	if shortName == "" {
		return nil, ErrShortNameRequired
	}

	profile, err := s.backend.GetAssociation(ctx, shortName)
	if err != nil {
		log.WithError(err).WithField("short_name", shortName).Warn("association load failed")
		return nil, err
	}

	f := New(s.newID(), *profile, s.now())
	if err := s.store.Save(ctx, f); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"flow_id": f.ID, "short_name": shortName}).Info("payment flow started")
	return f, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Flow, error) {
	return s.store.Load(ctx, id)
}

// Register validates the payer locally and, only when that passes, runs the
// backend duplicate check. Field problems come back as a validation
// *api.Error and leave the flow where it was.
func (s *Service) Register(ctx context.Context, id string, payer api.PayerData) (*Flow, error) {
	f, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Stage != StageRegistration {
		return f, ErrWrongStage
	}

	payer = validation.Normalize(payer)
	if fields := s.validator.Validate(payer, f.Association.Type); len(fields) > 0 {
		return f, api.FieldErrors(fields)
	}

	if err := s.backend.CheckPayer(ctx, api.NewPayerCheckRequest(f.Association.ShortName, payer)); err != nil {
		log.WithError(err).WithField("flow_id", id).Info("payer check rejected")
		return f, err
	}

	if err := f.CompleteRegistration(payer, s.now()); err != nil {
		return f, err
	}
	return f, s.store.Save(ctx, f)
}

func (s *Service) ToggleItem(ctx context.Context, id string, itemID int64) (*Flow, error) {
	return s.update(ctx, id, func(f *Flow) error {
		return f.Toggle(itemID)
	})
}

func (s *Service) ConfirmSelection(ctx context.Context, id string) (*Flow, error) {
	return s.update(ctx, id, func(f *Flow) error {
		return f.ConfirmSelection(uuid.NewString, s.now())
	})
}

func (s *Service) Back(ctx context.Context, id string) (*Flow, error) {
	return s.update(ctx, id, func(f *Flow) error {
		return f.Back(s.now())
	})
}

// SetVerification stores the latest confirmation state of a submitted flow.
// A verified flow stays verified; later poll states only reach the stream.
func (s *Service) SetVerification(ctx context.Context, id string, state api.PollState) (*Flow, error) {
	return s.update(ctx, id, func(f *Flow) error {
		if f.Stage != StageConfirmation {
			return ErrWrongStage
		}
		if f.Verification == api.StateVerified {
			return nil
		}
		f.Verification = state
		f.UpdatedAt = s.now()
		return nil
	})
}

// Reference returns the reference id of a submitted flow.
func (s *Service) Reference(ctx context.Context, id string) (string, error) {
	f, err := s.store.Load(ctx, id)
	if err != nil {
		return "", err
	}
	if f.Stage != StageConfirmation || f.ReferenceID() == "" {
		return "", ErrWrongStage
	}
	return f.ReferenceID(), nil
}

func (s *Service) update(ctx context.Context, id string, mutate func(f *Flow) error) (*Flow, error) {
	f, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(f); err != nil {
		return f, err
	}
	return f, s.store.Save(ctx, f)
}

func submitLockKey(id string) string {
	return "flow:" + id + ":submitting"
}

// Submit attaches the proof and submits the payment. Only one submission per
// flow can be in flight; a second one fails with ErrSubmissionInFlight.
// On failure the flow stays on Upload and may be submitted again.
func (s *Service) Submit(ctx context.Context, id string, proof api.ProofFile) (*Flow, error) {
	token := uuid.NewString()
	locked, err := s.locker.TryLock(ctx, submitLockKey(id), token, s.opts.SubmitLockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrSubmissionInFlight
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), submitLockKey(id), token); err != nil {
			log.WithError(err).WithField("flow_id", id).Warn("failed to release submit lock")
		}
	}()

	f, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := f.AttachProof(proof, s.opts.MaxProofBytes); err != nil {
		return f, err
	}

	logger := log.WithFields(log.Fields{"flow_id": id, "idempotency_key": f.IdempotencyKey})

	if result := s.recordedResult(ctx, f.IdempotencyKey); result != nil {
		logger.Info("submission already recorded, skipping resubmit")
		f.Complete(result, s.now())
		return f, s.store.Save(ctx, f)
	}

	req, err := f.SubmitRequest()
	if err != nil {
		return f, err
	}
	result, err := s.backend.SubmitPayment(ctx, req)
	if err != nil {
		logger.WithError(err).Warn("payment submission failed")
		return f, err
	}

	f.Complete(result, s.now())
	if err := s.store.Save(ctx, f); err != nil {
		return f, err
	}
	logger.WithField("reference_id", result.ReferenceID).Info("payment submitted and verified")

	if s.ledger != nil {
		record := api.SubmissionRecord{
			ReferenceID:          result.ReferenceID,
			TransactionID:        result.TransactionID,
			IdempotencyKey:       f.IdempotencyKey,
			FlowID:               f.ID,
			AssociationShortName: f.Association.ShortName,
			MatricNumber:         f.Payer.MatricNumber,
			AmountPaid:           result.TotalPaid(),
			State:                api.StateVerified,
			Result:               result,
			SubmittedAt:          s.now(),
		}
		if err := s.ledger.RecordSubmission(ctx, record); err != nil {
			logger.WithError(err).Error("failed to record submission")
		}
	}
	return f, nil
}

func (s *Service) recordedResult(ctx context.Context, key string) *api.SubmissionResult {
	if s.ledger == nil || key == "" {
		return nil
	}
	record, err := s.ledger.FindByIdempotencyKey(ctx, key)
	if err != nil {
		log.WithError(err).Warn("submission ledger lookup failed")
		return nil
	}
	if record == nil || record.Result == nil || !record.Result.Success {
		return nil
	}
	return record.Result
}
