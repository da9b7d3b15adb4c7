package api

import (
	"time"

	"github.com/shopspring/decimal"
)

type AssociationKind string

const (
	KindHall       AssociationKind = "hall"
	KindDepartment AssociationKind = "department"
	KindFaculty    AssociationKind = "faculty"
	KindOther      AssociationKind = "other"
)

type ItemStatus string

const (
	ItemCompulsory ItemStatus = "compulsory"
	ItemOptional   ItemStatus = "optional"
)

type PollState string

const (
	StateChecking          PollState = "checking"
	StateVerified          PollState = "verified"
	StateNotFound          PollState = "not_found"
	StateUnderVerification PollState = "under_verification"
	StateTimedOut          PollState = "timed_out"
)

// Terminal reports whether polling stops in this state.
// not_found is only terminal when the poller is configured to stop on it.
func (s PollState) Terminal() bool {
	return s == StateVerified || s == StateTimedOut
}

type PaymentItem struct {
	ID       int64           `json:"id"`
	Title    string          `json:"title"`
	Amount   decimal.Decimal `json:"amount"`
	Status   ItemStatus      `json:"status"`
	IsActive bool            `json:"is_active"`
}

func (i PaymentItem) Compulsory() bool {
	return i.Status == ItemCompulsory
}

type BankAccount struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	BankName      string `json:"bank_name,omitempty"`
}

type AssociationProfile struct {
	Name         string          `json:"association_name"`
	ShortName    string          `json:"association_short_name"`
	Type         AssociationKind `json:"association_type"`
	ThemeColor   string          `json:"theme_color"`
	LogoURL      string          `json:"logo_url"`
	BankAccount  BankAccount     `json:"bank_account"`
	PaymentItems []PaymentItem   `json:"payment_items"`
}

func (a *AssociationProfile) Item(id int64) (PaymentItem, bool) {
	for _, item := range a.PaymentItems {
		if item.ID == id {
			return item, true
		}
	}
	return PaymentItem{}, false
}

type PayerData struct {
	FirstName    string `json:"first_name" validate:"required"`
	LastName     string `json:"last_name" validate:"required"`
	Email        string `json:"email" validate:"required,email"`
	PhoneNumber  string `json:"phone_number" validate:"required,ngphone"`
	MatricNumber string `json:"matric_number" validate:"required"`
	Level        string `json:"level" validate:"required"`
	Faculty      string `json:"faculty"`
	Department   string `json:"department"`
}

type PayerCheckRequest struct {
	AssociationShortName string `json:"association_short_name"`
	MatricNumber         string `json:"matric_number"`
	Email                string `json:"email"`
	PhoneNumber          string `json:"phone_number"`
	FirstName            string `json:"first_name"`
	LastName             string `json:"last_name"`
	Faculty              string `json:"faculty"`
	Department           string `json:"department"`
}

func NewPayerCheckRequest(shortName string, payer PayerData) PayerCheckRequest {
	return PayerCheckRequest{
		AssociationShortName: shortName,
		MatricNumber:         payer.MatricNumber,
		Email:                payer.Email,
		PhoneNumber:          payer.PhoneNumber,
		FirstName:            payer.FirstName,
		LastName:             payer.LastName,
		Faculty:              payer.Faculty,
		Department:           payer.Department,
	}
}

type ProofFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

type SubmitRequest struct {
	AssociationShortName string
	AmountPaid           decimal.Decimal
	Payer                PayerData
	PaymentItemIDs       []int64
	Proof                ProofFile
	IdempotencyKey       string
}

type PaidItem struct {
	ID     int64           `json:"id,omitempty"`
	Title  string          `json:"title,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

type SubmissionResult struct {
	Success       bool       `json:"success"`
	ReferenceID   string     `json:"reference_id"`
	TransactionID string     `json:"transaction_id"`
	ItemsPaid     []PaidItem `json:"items_paid"`
	Message       string     `json:"message,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (r *SubmissionResult) TotalPaid() decimal.Decimal {
	total := decimal.Zero
	for _, item := range r.ItemsPaid {
		total = total.Add(item.Amount)
	}
	return total
}

type TransactionStatus struct {
	ReferenceID string          `json:"reference_id,omitempty"`
	Exists      bool            `json:"exists"`
	IsVerified  bool            `json:"is_verified"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	ReceiptID   string          `json:"receipt_id,omitempty"`
}

type StatusUpdate struct {
	ReferenceID string             `json:"reference_id"`
	State       PollState          `json:"state"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts"`
	Status      *TransactionStatus `json:"status,omitempty"`
	Error       string             `json:"error,omitempty"`
	CheckedAt   time.Time          `json:"checked_at"`
}

// SubmissionRecord is a row of the local submissions ledger.
type SubmissionRecord struct {
	ReferenceID          string            `json:"reference_id"`
	TransactionID        string            `json:"transaction_id"`
	IdempotencyKey       string            `json:"idempotency_key"`
	FlowID               string            `json:"flow_id"`
	AssociationShortName string            `json:"association_short_name"`
	MatricNumber         string            `json:"matric_number"`
	AmountPaid           decimal.Decimal   `json:"amount_paid"`
	State                PollState         `json:"state"`
	ReceiptID            string            `json:"receipt_id,omitempty"`
	Result               *SubmissionResult `json:"result,omitempty"`
	SubmittedAt          time.Time         `json:"submitted_at"`
	CheckedAt            *time.Time        `json:"checked_at,omitempty"`
}

type SubmissionStats struct {
	Total          int64               `json:"total"`
	ByState        map[PollState]int64 `json:"by_state"`
	AmountVerified decimal.Decimal     `json:"amount_verified"`
}
