package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abjerry97/duespay/api"
)

func TestPrintAssociation(t *testing.T) {
	profile := &api.AssociationProfile{
		Name:      "Computer Science Students Association",
		ShortName: "cssa",
		Type:      api.KindFaculty,
		BankAccount: api.BankAccount{
			AccountName:   "CSSA Dues",
			AccountNumber: "0123456789",
			BankName:      "First Bank",
		},
		PaymentItems: []api.PaymentItem{
			{ID: 1, Title: "Annual dues", Amount: decimal.RequireFromString("5000"), Status: api.ItemCompulsory, IsActive: true},
			{ID: 2, Title: "Dinner", Amount: decimal.RequireFromString("2500.5"), Status: api.ItemOptional, IsActive: true},
			{ID: 3, Title: "Old levy", Amount: decimal.RequireFromString("100"), Status: api.ItemCompulsory, IsActive: false},
		},
	}

	var out bytes.Buffer
	printAssociation(&out, profile)
	text := out.String()

	assert.Contains(t, text, "Computer Science Students Association (cssa)")
	assert.Contains(t, text, "Requires: department")
	assert.Contains(t, text, "First Bank 0123456789 (CSSA Dues)")
	assert.Contains(t, text, "* 1    Annual dues")
	assert.Contains(t, text, "  2    Dinner")
	assert.Contains(t, text, "compulsory, inactive")
	assert.Contains(t, text, "Compulsory total: 5000.00")
}

func TestPrintUpdate(t *testing.T) {
	var out bytes.Buffer
	printUpdate(&out, api.StatusUpdate{
		ReferenceID: "REF-1",
		State:       api.StateVerified,
		Attempt:     3,
		MaxAttempts: 60,
		Status:      &api.TransactionStatus{Exists: true, IsVerified: true, ReceiptID: "RCP-9"},
	})
	printUpdate(&out, api.StatusUpdate{ReferenceID: "REF-1", State: api.StateChecking, Attempt: 4, MaxAttempts: 60, Error: "connection reset"})

	assert.Equal(t, "[3/60] verified receipt=RCP-9\n[4/60] checking (connection reset)\n", out.String())
}

func TestResolveCommand(t *testing.T) {
	t.Setenv("BASE_DOMAIN", "duespay.app")

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"resolve", "cssa.duespay.app"}, "cssa\n"},
		{[]string{"resolve", "localhost:3000", "/pay/nacoss"}, "nacoss\n"},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		cmd := rootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(tc.args)
		require.NoError(t, cmd.Execute())
		assert.Equal(t, tc.want, out.String())
	}

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"resolve", "www.duespay.app", "/"})
	assert.Error(t, cmd.Execute())
}

func TestDescribe(t *testing.T) {
	err := describe(api.NewError(api.ErrNotFound, "Association not found"))
	assert.Equal(t, "Not Found: Association not found", err.Error())

	plain := errors.New("boom")
	assert.Equal(t, plain, describe(plain))
}
