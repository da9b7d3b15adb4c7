package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/abjerry97/duespay/api"
)

const (
	associationPath   = "/associations/%s/"
	payerCheckPath    = "/payers/check/"
	submitPath        = "/transactions/verify-and-create/"
	paymentStatusPath = "/transactions/payment-status/%s/"
	refreshTokenPath  = "/auth/token/refresh/"

	IdempotencyHeader = "Idempotency-Key"
)

func (c *Client) GetAssociation(ctx context.Context, shortName string) (*api.AssociationProfile, error) {
	resp, err := c.send(ctx, request{
		method:  http.MethodGet,
		path:    fmt.Sprintf(associationPath, url.PathEscape(shortName)),
		timeout: c.timeouts.Association,
		auth:    true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, errorFromResponse(resp)
	}

	var profile api.AssociationProfile
	if err := decode(unwrapData(resp.body), &profile); err != nil {
		return nil, err
	}
	if profile.ShortName == "" {
		profile.ShortName = shortName
	}
	return &profile, nil
}

// CheckPayer asks the backend whether the payer may pay for the association.
// A nil error means the payer may proceed.
func (c *Client) CheckPayer(ctx context.Context, check api.PayerCheckRequest) error {
	req, err := jsonRequest(http.MethodPost, payerCheckPath, check, c.timeouts.PayerCheck)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}

	if fields := parseFieldErrors(resp.body); len(fields) > 0 {
		apiErr := api.FieldErrors(fields)
		apiErr.Status = resp.status
		return apiErr
	}
	if !resp.ok() {
		return errorFromResponse(resp).WithTitle("Registration Failed")
	}

	var result struct {
		Success *bool `json:"success"`
	}
	_ = json.Unmarshal(resp.body, &result)
	if result.Success != nil && !*result.Success {
		message := serverMessage(resp.body)
		if message == "" {
			message = "We could not confirm your details. Please try again."
		}
		return api.NewError(api.ErrUnknown, message).WithTitle("Registration Failed")
	}
	return nil
}

// SubmitPayment uploads the proof of payment together with the payer and the
// selected items. The backend verifies the payment before it answers.
func (c *Client) SubmitPayment(ctx context.Context, submit api.SubmitRequest) (*api.SubmissionResult, error) {
	body, contentType, err := encodeSubmission(submit)
	if err != nil {
		return nil, api.NewError(api.ErrUnknown, "").Wrap(err)
	}

	req := request{
		method:      http.MethodPost,
		path:        submitPath,
		body:        body,
		contentType: contentType,
		timeout:     c.timeouts.Submission,
		auth:        true,
	}
	if submit.IdempotencyKey != "" {
		req.header = http.Header{IdempotencyHeader: {submit.IdempotencyKey}}
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, errorFromResponse(resp).WithTitle("Payment Verification Failed")
	}

	var result api.SubmissionResult
	if err := decode(resp.body, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		message := result.Error
		if message == "" {
			message = result.Message
		}
		if message == "" {
			message = "We could not verify your payment. Check your proof of payment and try again."
		}
		return nil, api.NewError(api.ErrUnknown, message).WithTitle("Payment Verification Failed")
	}
	return &result, nil
}

func encodeSubmission(submit api.SubmitRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="proof_file"; filename=%q`, submit.Proof.Filename))
	contentType := submit.Proof.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", errors.Wrap(err, "create proof part")
	}
	if _, err := part.Write(submit.Proof.Data); err != nil {
		return nil, "", errors.Wrap(err, "write proof part")
	}

	payer, err := json.Marshal(submit.Payer)
	if err != nil {
		return nil, "", errors.Wrap(err, "encode payer")
	}

	fields := [][2]string{
		{"association_short_name", submit.AssociationShortName},
		{"amount_paid", submit.AmountPaid.StringFixed(2)},
		{"payer", string(payer)},
	}
	for _, id := range submit.PaymentItemIDs {
		fields = append(fields, [2]string{"payment_item_ids", strconv.FormatInt(id, 10)})
	}
	for _, field := range fields {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", errors.Wrapf(err, "write field %s", field[0])
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close multipart writer")
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// GetPaymentStatus fetches the status of a submitted transaction. A zero
// timeout uses the client default.
func (c *Client) GetPaymentStatus(ctx context.Context, referenceID string, timeout time.Duration) (*api.TransactionStatus, error) {
	if timeout <= 0 {
		timeout = c.timeouts.Status
	}
	resp, err := c.send(ctx, request{
		method:  http.MethodGet,
		path:    fmt.Sprintf(paymentStatusPath, url.PathEscape(referenceID)),
		timeout: timeout,
		auth:    true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, errorFromResponse(resp)
	}

	var status api.TransactionStatus
	if err := decode(unwrapData(resp.body), &status); err != nil {
		return nil, err
	}
	if status.ReferenceID == "" {
		status.ReferenceID = referenceID
	}
	return &status, nil
}

// RefreshToken exchanges a refresh token for a new access token. It never
// carries a bearer token itself.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Tokens, error) {
	req, err := jsonRequest(http.MethodPost, refreshTokenPath, map[string]string{"refresh": refreshToken}, c.timeouts.Refresh)
	if err != nil {
		return Tokens{}, err
	}
	req.auth = false

	resp, err := c.send(ctx, req)
	if err != nil {
		return Tokens{}, err
	}
	if !resp.ok() {
		return Tokens{}, errorFromResponse(resp)
	}

	var tokens Tokens
	if err := decode(unwrapData(resp.body), &tokens); err != nil {
		return Tokens{}, err
	}
	if tokens.Access == "" {
		return Tokens{}, api.NewError(api.ErrAuth, "")
	}
	return tokens, nil
}
