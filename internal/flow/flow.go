// Package flow holds the payment wizard: Registration, Selection, Upload and
// Confirmation, in that order, with backward steps allowed between the first
// three.
package flow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shopspring/decimal"

	"github.com/abjerry97/duespay/api"
)

type Stage int

const (
	StageRegistration Stage = iota + 1
	StageSelection
	StageUpload
	StageConfirmation
)

var stageNames = map[Stage]string{
	StageRegistration: "registration",
	StageSelection:    "selection",
	StageUpload:       "upload",
	StageConfirmation: "confirmation",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalText() ([]byte, error) {
	if _, ok := stageNames[s]; !ok {
		return nil, fmt.Errorf("unknown stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	for stage, name := range stageNames {
		if name == string(text) {
			*s = stage
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

var (
	ErrFlowNotFound       = errors.New("payment flow not found")
	ErrWrongStage         = errors.New("action not available at this stage")
	ErrUnknownItem        = errors.New("payment item not found")
	ErrItemInactive       = errors.New("payment item is not active")
	ErrNothingSelected    = errors.New("select at least one payment item")
	ErrProofRequired      = errors.New("proof of payment is required")
	ErrProofType          = errors.New("proof of payment must be an image or a PDF")
	ErrProofTooLarge      = errors.New("proof of payment is too large")
	ErrSubmissionInFlight = errors.New("a submission for this payment is already in progress")
	ErrShortNameRequired  = errors.New("association short name is required")
)

type Flow struct {
	ID             string                 `json:"id"`
	Stage          Stage                  `json:"stage"`
	Association    api.AssociationProfile `json:"association"`
	Payer          api.PayerData          `json:"payer"`
	Selected       []int64                `json:"selected_item_ids"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Result         *api.SubmissionResult  `json:"result,omitempty"`
	Verification   api.PollState          `json:"verification,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`

	proof *api.ProofFile
}

// New starts a flow at Registration with every active compulsory item selected.
func New(id string, association api.AssociationProfile, now time.Time) *Flow {
	f := &Flow{
		ID:          id,
		Stage:       StageRegistration,
		Association: association,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	selected := make(map[int64]bool)
	for _, item := range association.PaymentItems {
		if item.IsActive && item.Compulsory() {
			selected[item.ID] = true
		}
	}
	f.setSelected(selected)
	return f
}

func (f *Flow) setSelected(selected map[int64]bool) {
	ids := make([]int64, 0, len(selected))
	for _, item := range f.Association.PaymentItems {
		if selected[item.ID] {
			ids = append(ids, item.ID)
		}
	}
	f.Selected = ids
}

func (f *Flow) IsSelected(id int64) bool {
	for _, selected := range f.Selected {
		if selected == id {
			return true
		}
	}
	return false
}

// Toggle flips the membership of an optional item. Compulsory items stay
// selected and toggling them is a no-op.
func (f *Flow) Toggle(itemID int64) error {
	if f.Stage != StageSelection {
		return ErrWrongStage
	}
	item, ok := f.Association.Item(itemID)
	if !ok {
		return ErrUnknownItem
	}
	if !item.IsActive {
		return ErrItemInactive
	}
	if item.Compulsory() {
		return nil
	}

	selected := make(map[int64]bool, len(f.Selected)+1)
	for _, id := range f.Selected {
		selected[id] = true
	}
	selected[itemID] = !selected[itemID]
	f.setSelected(selected)
	return nil
}

func (f *Flow) SelectedItems() []api.PaymentItem {
	items := make([]api.PaymentItem, 0, len(f.Selected))
	for _, id := range f.Selected {
		if item, ok := f.Association.Item(id); ok {
			items = append(items, item)
		}
	}
	return items
}

// Total is derived from the selection on every call.
func (f *Flow) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range f.SelectedItems() {
		total = total.Add(item.Amount)
	}
	return total
}

func (f *Flow) CompulsoryTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range f.Association.PaymentItems {
		if item.IsActive && item.Compulsory() {
			total = total.Add(item.Amount)
		}
	}
	return total
}

func (f *Flow) CompleteRegistration(payer api.PayerData, now time.Time) error {
	if f.Stage != StageRegistration {
		return ErrWrongStage
	}
	f.Payer = payer
	f.Stage = StageSelection
	f.UpdatedAt = now
	return nil
}

// ConfirmSelection moves to Upload. The idempotency key is issued once per
// flow and reused by every submission attempt.
func (f *Flow) ConfirmSelection(newKey func() string, now time.Time) error {
	if f.Stage != StageSelection {
		return ErrWrongStage
	}
	if len(f.Selected) == 0 {
		return ErrNothingSelected
	}
	if f.IdempotencyKey == "" {
		f.IdempotencyKey = newKey()
	}
	f.Stage = StageUpload
	f.UpdatedAt = now
	return nil
}

func (f *Flow) Back(now time.Time) error {
	switch f.Stage {
	case StageSelection, StageUpload:
		f.Stage--
		f.UpdatedAt = now
		return nil
	}
	return ErrWrongStage
}

// AttachProof sets or replaces the proof of payment. The content type is
// sniffed from the data rather than trusted from the upload.
func (f *Flow) AttachProof(proof api.ProofFile, maxBytes int64) error {
	if f.Stage != StageUpload {
		return ErrWrongStage
	}
	if len(proof.Data) == 0 {
		return ErrProofRequired
	}
	if maxBytes > 0 && int64(len(proof.Data)) > maxBytes {
		return ErrProofTooLarge
	}

	mtype := mimetype.Detect(proof.Data)
	if !mtype.Is("application/pdf") && !strings.HasPrefix(mtype.String(), "image/") {
		return ErrProofType
	}
	proof.ContentType = mtype.String()
	if proof.Filename == "" {
		proof.Filename = "proof" + mtype.Extension()
	}
	f.proof = &proof
	return nil
}

func (f *Flow) Proof() *api.ProofFile {
	return f.proof
}

func (f *Flow) SubmitRequest() (api.SubmitRequest, error) {
	if f.Stage != StageUpload {
		return api.SubmitRequest{}, ErrWrongStage
	}
	if f.proof == nil {
		return api.SubmitRequest{}, ErrProofRequired
	}
	if len(f.Selected) == 0 {
		return api.SubmitRequest{}, ErrNothingSelected
	}
	ids := make([]int64, len(f.Selected))
	copy(ids, f.Selected)
	return api.SubmitRequest{
		AssociationShortName: f.Association.ShortName,
		AmountPaid:           f.Total(),
		Payer:                f.Payer,
		PaymentItemIDs:       ids,
		Proof:                *f.proof,
		IdempotencyKey:       f.IdempotencyKey,
	}, nil
}

// Complete moves a verified submission to Confirmation and drops the proof.
func (f *Flow) Complete(result *api.SubmissionResult, now time.Time) {
	f.Result = result
	f.Stage = StageConfirmation
	f.Verification = api.StateVerified
	f.proof = nil
	f.UpdatedAt = now
}

func (f *Flow) ReferenceID() string {
	if f.Result == nil {
		return ""
	}
	return f.Result.ReferenceID
}
