// Package phonepe implements the PhonePe Payment Gateway protocol:
// request signing (X-VERIFY checksums), environment guarding and the
// pay/status API calls.
package phonepe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nibog/payments-backend/pkg/fetcher"
)

const (
	payPath          = "/pg/v1/pay"
	statusPathPrefix = "/pg/v1/status"
)

// Gateway payment states.
const (
	StateCompleted = "COMPLETED"
	StatePending   = "PENDING"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// PayRequest is what callers supply to start a payment. Amount is in
// paise; PhonePe does not accept fractional amounts.
type PayRequest struct {
	MerchantTransactionID string
	MerchantUserID        string
	Amount                int64
	RedirectURL           string
	CallbackURL           string
	MobileNumber          string
}

// payPayload is the JSON document that gets base64-encoded and signed.
type payPayload struct {
	MerchantID            string            `json:"merchantId"`
	MerchantTransactionID string            `json:"merchantTransactionId"`
	MerchantUserID        string            `json:"merchantUserId"`
	Amount                int64             `json:"amount"`
	RedirectURL           string            `json:"redirectUrl"`
	RedirectMode          string            `json:"redirectMode"`
	CallbackURL           string            `json:"callbackUrl"`
	MobileNumber          string            `json:"mobileNumber,omitempty"`
	PaymentInstrument     paymentInstrument `json:"paymentInstrument"`
}

type paymentInstrument struct {
	Type string `json:"type"`
}

// PayResponse is the gateway's answer to a pay request.
type PayResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantID            string `json:"merchantId"`
		MerchantTransactionID string `json:"merchantTransactionId"`
		InstrumentResponse    struct {
			Type         string `json:"type"`
			RedirectInfo struct {
				URL    string `json:"url"`
				Method string `json:"method"`
			} `json:"redirectInfo"`
		} `json:"instrumentResponse"`
	} `json:"data"`
}

// RedirectURL returns the checkout page URL, empty if the gateway
// declined the request.
func (r *PayResponse) RedirectURL() string {
	return r.Data.InstrumentResponse.RedirectInfo.URL
}

// StatusResponse is the gateway's answer to a status check.
type StatusResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantID            string `json:"merchantId"`
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
		Amount                int64  `json:"amount"`
		State                 string `json:"state"`
		ResponseCode          string `json:"responseCode"`
	} `json:"data"`
}

// IsTerminalSuccessState reports whether a code/state pair means the
// payment definitively succeeded. Anything short of this must never
// trigger booking finalization.
func IsTerminalSuccessState(code, state string) bool {
	return code == "PAYMENT_SUCCESS" || state == StateCompleted
}

// IsPendingState reports whether a code/state pair means the payment is
// still in flight. Webhooks and status responses both carry these; some
// deliveries set only the code.
func IsPendingState(code, state string) bool {
	return state == StatePending || code == "PAYMENT_PENDING" || code == "PAYMENT_INITIATED"
}

// IsTerminalFailureState reports whether a code/state pair means the
// payment definitively failed or was cancelled. Unrecognized values are
// not failures; callers must treat them as still in flight.
func IsTerminalFailureState(code, state string) bool {
	switch state {
	case StateFailed, StateCancelled:
		return true
	}
	switch code {
	case "PAYMENT_ERROR", "PAYMENT_DECLINED", "PAYMENT_CANCELLED", "TIMED_OUT":
		return true
	}
	return false
}

// IsTerminalSuccess reports whether the payment definitively succeeded.
func (r *StatusResponse) IsTerminalSuccess() bool {
	return IsTerminalSuccessState(r.Code, r.Data.State)
}

// IsPending reports whether the payment is still in flight.
func (r *StatusResponse) IsPending() bool {
	return IsPendingState(r.Code, r.Data.State)
}

// IsTerminalFailure reports whether the payment failed or was cancelled.
func (r *StatusResponse) IsTerminalFailure() bool {
	return IsTerminalFailureState(r.Code, r.Data.State)
}

// Client talks to one PhonePe environment. It refuses to construct
// against an inconsistent configuration.
type Client struct {
	cfg     Config
	signer  *Signer
	fetcher *fetcher.Fetcher
	logger  *logrus.Logger
}

// NewClient validates the environment configuration and builds a client.
func NewClient(cfg Config, f *fetcher.Fetcher, logger *logrus.Logger) (*Client, error) {
	if err := ValidateEnvironment(cfg); err != nil {
		return nil, err
	}
	return &Client{
		cfg:     cfg,
		signer:  NewSigner(cfg.Salts...),
		fetcher: f,
		logger:  logger,
	}, nil
}

// Signer exposes the client's signer for inbound callback verification.
func (c *Client) Signer() *Signer { return c.signer }

// MerchantID returns the configured merchant id.
func (c *Client) MerchantID() string { return c.cfg.MerchantID }

// InitiatePayment creates a payment on the gateway and returns the
// checkout redirect.
func (c *Client) InitiatePayment(ctx context.Context, req PayRequest) (*PayResponse, error) {
	payload := payPayload{
		MerchantID:            c.cfg.MerchantID,
		MerchantTransactionID: req.MerchantTransactionID,
		MerchantUserID:        req.MerchantUserID,
		Amount:                req.Amount,
		RedirectURL:           req.RedirectURL,
		RedirectMode:          "REDIRECT",
		CallbackURL:           req.CallbackURL,
		MobileNumber:          req.MobileNumber,
		PaymentInstrument:     paymentInstrument{Type: "PAY_PAGE"},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal pay payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	body, err := json.Marshal(map[string]string{"request": encoded})
	if err != nil {
		return nil, fmt.Errorf("marshal pay request body: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	header.Set("X-VERIFY", c.signer.Sign(encoded, payPath))

	c.logger.WithFields(logrus.Fields{
		"merchant_transaction_id": req.MerchantTransactionID,
		"amount_paise":            req.Amount,
		"environment":             c.cfg.Environment,
	}).Info("Initiating PhonePe payment")

	resp, err := c.fetcher.Do(ctx, fetcher.Request{
		Method:    http.MethodPost,
		Endpoints: []string{c.cfg.PayURL},
		Header:    header,
		Body:      body,
	}, fetcher.Policy{
		MaxAttempts: 3,
		Timeout:     30 * time.Second,
		Backoff:     2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("phonepe pay request: %w", err)
	}

	var out PayResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode pay response: %w", err)
	}
	if !out.Success || out.RedirectURL() == "" {
		return &out, fmt.Errorf("phonepe rejected payment initiation: %s (%s)", out.Message, out.Code)
	}
	return &out, nil
}

// CheckStatus polls the gateway for the state of a transaction. The
// poll is idempotent, so client errors are retried as well.
func (c *Client) CheckStatus(ctx context.Context, merchantTransactionID string) (*StatusResponse, error) {
	apiPath := fmt.Sprintf("%s/%s/%s", statusPathPrefix, c.cfg.MerchantID, merchantTransactionID)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	header.Set("X-VERIFY", c.signer.Sign("", apiPath))
	header.Set("X-MERCHANT-ID", c.cfg.MerchantID)

	endpoint := fmt.Sprintf("%s/%s/%s", c.cfg.StatusURL, c.cfg.MerchantID, merchantTransactionID)

	resp, err := c.fetcher.Do(ctx, fetcher.Request{
		Method:    http.MethodGet,
		Endpoints: []string{endpoint},
		Header:    header,
	}, fetcher.Policy{
		MaxAttempts:       3,
		Timeout:           15 * time.Second,
		Backoff:           1 * time.Second,
		RetryClientErrors: true,
	})
	if err != nil {
		return nil, fmt.Errorf("phonepe status request: %w", err)
	}

	var out StatusResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

// VerifyCallback checks the X-VERIFY header of an inbound webhook
// against the raw request body.
func (c *Client) VerifyCallback(rawBody []byte, xVerify string) bool {
	return c.signer.VerifyBody(rawBody, xVerify)
}
