package flow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abjerry97/duespay/api"
)

var (
	pdfProof = api.ProofFile{Filename: "receipt.pdf", Data: []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n")}
	pngProof = api.ProofFile{Filename: "receipt.png", Data: append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)}
)

func testAssociation(kind api.AssociationKind) api.AssociationProfile {
	return api.AssociationProfile{
		Name:      "Acme Association",
		ShortName: "acme",
		Type:      kind,
		PaymentItems: []api.PaymentItem{
			{ID: 1, Title: "Dues", Amount: decimal.RequireFromString("500.00"), Status: api.ItemCompulsory, IsActive: true},
			{ID: 2, Title: "Dinner", Amount: decimal.RequireFromString("2500.00"), Status: api.ItemOptional, IsActive: true},
			{ID: 3, Title: "Jersey", Amount: decimal.RequireFromString("1200.50"), Status: api.ItemOptional, IsActive: true},
			{ID: 4, Title: "Development levy", Amount: decimal.RequireFromString("300.00"), Status: api.ItemCompulsory, IsActive: true},
			{ID: 5, Title: "Old levy", Amount: decimal.RequireFromString("100.00"), Status: api.ItemCompulsory, IsActive: false},
		},
	}
}

func atSelection(t *testing.T) *Flow {
	t.Helper()
	f := New("flow-1", testAssociation(api.KindFaculty), time.Now())
	require.NoError(t, f.CompleteRegistration(api.PayerData{FirstName: "Ada"}, time.Now()))
	return f
}

func TestNew_AutoSelectsActiveCompulsoryItems(t *testing.T) {
	f := New("flow-1", testAssociation(api.KindHall), time.Now())
	assert.Equal(t, StageRegistration, f.Stage)
	assert.Equal(t, []int64{1, 4}, f.Selected)
	assert.Equal(t, "800.00", f.Total().StringFixed(2))
	assert.True(t, f.Total().Equal(f.CompulsoryTotal()))
}

func TestFlow_ToggleCompulsoryIsNoop(t *testing.T) {
	f := atSelection(t)
	before := append([]int64(nil), f.Selected...)

	for _, id := range []int64{1, 4} {
		require.NoError(t, f.Toggle(id))
		assert.Equal(t, before, f.Selected)
	}

	require.NoError(t, f.Toggle(2))
	before = append([]int64(nil), f.Selected...)
	require.NoError(t, f.Toggle(1))
	assert.Equal(t, before, f.Selected)
}

func TestFlow_ToggleOptional(t *testing.T) {
	f := atSelection(t)

	require.NoError(t, f.Toggle(3))
	require.NoError(t, f.Toggle(2))
	assert.Equal(t, []int64{1, 2, 3, 4}, f.Selected)
	assert.Equal(t, "4500.50", f.Total().StringFixed(2))

	require.NoError(t, f.Toggle(3))
	assert.Equal(t, []int64{1, 2, 4}, f.Selected)
	assert.Equal(t, "3300.00", f.Total().StringFixed(2))
}

func TestFlow_ToggleErrors(t *testing.T) {
	f := atSelection(t)
	assert.ErrorIs(t, f.Toggle(99), ErrUnknownItem)
	assert.ErrorIs(t, f.Toggle(5), ErrItemInactive)

	f = New("flow-2", testAssociation(api.KindHall), time.Now())
	assert.ErrorIs(t, f.Toggle(2), ErrWrongStage)
}

func TestFlow_TotalIsSumAndMonotonic(t *testing.T) {
	f := atSelection(t)
	compulsory := f.CompulsoryTotal()
	previous := f.Total()

	for _, id := range []int64{2, 3} {
		require.NoError(t, f.Toggle(id))
		total := f.Total()
		assert.True(t, total.GreaterThanOrEqual(previous))
		assert.True(t, total.GreaterThanOrEqual(compulsory))

		sum := decimal.Zero
		for _, selected := range f.Selected {
			item, _ := f.Association.Item(selected)
			sum = sum.Add(item.Amount)
		}
		assert.True(t, sum.Equal(total))
		previous = total
	}
}

func TestFlow_ConfirmSelection(t *testing.T) {
	calls := 0
	newKey := func() string {
		calls++
		return "key-1"
	}

	f := atSelection(t)
	require.NoError(t, f.ConfirmSelection(newKey, time.Now()))
	assert.Equal(t, StageUpload, f.Stage)
	assert.Equal(t, "key-1", f.IdempotencyKey)

	require.NoError(t, f.Back(time.Now()))
	require.NoError(t, f.ConfirmSelection(newKey, time.Now()))
	assert.Equal(t, 1, calls)
}

func TestFlow_ConfirmSelectionRequiresItems(t *testing.T) {
	association := testAssociation(api.KindHall)
	for i := range association.PaymentItems {
		association.PaymentItems[i].Status = api.ItemOptional
	}
	f := New("flow-1", association, time.Now())
	require.NoError(t, f.CompleteRegistration(api.PayerData{}, time.Now()))
	assert.Empty(t, f.Selected)

	assert.ErrorIs(t, f.ConfirmSelection(func() string { return "k" }, time.Now()), ErrNothingSelected)
	assert.Equal(t, StageSelection, f.Stage)
}

func TestFlow_Back(t *testing.T) {
	f := New("flow-1", testAssociation(api.KindHall), time.Now())
	assert.ErrorIs(t, f.Back(time.Now()), ErrWrongStage)

	require.NoError(t, f.CompleteRegistration(api.PayerData{}, time.Now()))
	require.NoError(t, f.ConfirmSelection(func() string { return "k" }, time.Now()))
	require.NoError(t, f.Back(time.Now()))
	assert.Equal(t, StageSelection, f.Stage)
	require.NoError(t, f.Back(time.Now()))
	assert.Equal(t, StageRegistration, f.Stage)

	f.Stage = StageConfirmation
	assert.ErrorIs(t, f.Back(time.Now()), ErrWrongStage)
}

func TestFlow_AttachProof(t *testing.T) {
	f := atSelection(t)
	assert.ErrorIs(t, f.AttachProof(pdfProof, 0), ErrWrongStage)
	require.NoError(t, f.ConfirmSelection(func() string { return "k" }, time.Now()))

	assert.ErrorIs(t, f.AttachProof(api.ProofFile{}, 0), ErrProofRequired)
	assert.ErrorIs(t, f.AttachProof(api.ProofFile{Data: []byte("just some notes")}, 0), ErrProofType)
	assert.ErrorIs(t, f.AttachProof(pdfProof, 8), ErrProofTooLarge)

	require.NoError(t, f.AttachProof(pdfProof, 0))
	assert.Equal(t, "application/pdf", f.Proof().ContentType)

	require.NoError(t, f.AttachProof(pngProof, 0))
	assert.Equal(t, "image/png", f.Proof().ContentType)
	assert.Equal(t, "receipt.png", f.Proof().Filename)
}

func TestFlow_SubmitRequestAndComplete(t *testing.T) {
	f := atSelection(t)
	require.NoError(t, f.Toggle(2))
	require.NoError(t, f.ConfirmSelection(func() string { return "key-1" }, time.Now()))

	_, err := f.SubmitRequest()
	assert.ErrorIs(t, err, ErrProofRequired)

	require.NoError(t, f.AttachProof(pdfProof, 0))
	req, err := f.SubmitRequest()
	require.NoError(t, err)
	assert.Equal(t, "acme", req.AssociationShortName)
	assert.Equal(t, []int64{1, 2, 4}, req.PaymentItemIDs)
	assert.Equal(t, "3300.00", req.AmountPaid.StringFixed(2))
	assert.Equal(t, "key-1", req.IdempotencyKey)

	f.Complete(&api.SubmissionResult{Success: true, ReferenceID: "TXN-001"}, time.Now())
	assert.Equal(t, StageConfirmation, f.Stage)
	assert.Equal(t, api.StateVerified, f.Verification)
	assert.Equal(t, "TXN-001", f.ReferenceID())
	assert.Nil(t, f.Proof())
}

func TestFlow_JSONRoundTripDropsProof(t *testing.T) {
	f := atSelection(t)
	require.NoError(t, f.ConfirmSelection(func() string { return "k" }, time.Now()))
	require.NoError(t, f.AttachProof(pdfProof, 0))

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":"upload"`)

	var loaded Flow
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, StageUpload, loaded.Stage)
	assert.Equal(t, f.Selected, loaded.Selected)
	assert.Nil(t, loaded.Proof())
}
