package phonepe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibog/payments-backend/pkg/fetcher"
)

func testClient(t *testing.T, payURL, statusURL string) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client, err := NewClient(Config{
		Environment: EnvSandbox,
		MerchantID:  "PGTESTPAYUAT86",
		Salts:       []Salt{{Key: testSaltKey, Index: "1"}},
		PayURL:      payURL,
		StatusURL:   statusURL,
	}, fetcher.New(logger), logger)
	require.NoError(t, err)
	return client
}

func TestNewClient_RejectsBadEnvironment(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	_, err := NewClient(Config{
		Environment: EnvSandbox,
		MerchantID:  "PGTESTPAYUAT86",
		Salts:       []Salt{{Key: testSaltKey, Index: "1"}},
		PayURL:      prodPayURL,
		StatusURL:   prodStatusURL,
	}, fetcher.New(logger), logger)
	assert.ErrorIs(t, err, ErrEnvironmentMismatch)
}

func TestInitiatePayment_SignsAndParsesRedirect(t *testing.T) {
	var gotVerify string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVerify = r.Header.Get("X-VERIFY")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"success": true,
			"code": "PAYMENT_INITIATED",
			"data": {
				"merchantTransactionId": "NIBOG_42_1700000000000",
				"instrumentResponse": {
					"type": "PAY_PAGE",
					"redirectInfo": {"url": "https://pay.example/checkout/abc", "method": "GET"}
				}
			}
		}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	resp, err := client.InitiatePayment(context.Background(), PayRequest{
		MerchantTransactionID: "NIBOG_42_1700000000000",
		MerchantUserID:        "42",
		Amount:                180000,
		RedirectURL:           "https://app.example/payment-return",
		CallbackURL:           "https://app.example/api/v1/payments/callback",
	})

	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/checkout/abc", resp.RedirectURL())

	// The X-VERIFY header must verify against the base64 payload we sent.
	var envelope struct {
		Request string `json:"request"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	require.NotEmpty(t, envelope.Request)
	assert.True(t, client.Signer().Verify(envelope.Request, "/pg/v1/pay", gotVerify))
}

func TestInitiatePayment_GatewayDecline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "code": "KEY_NOT_CONFIGURED", "message": "Key not found"}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	_, err := client.InitiatePayment(context.Background(), PayRequest{
		MerchantTransactionID: "NIBOG_42_1",
		Amount:                100,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEY_NOT_CONFIGURED")
}

func TestCheckStatus_SignsPathAndParsesState(t *testing.T) {
	var gotVerify, gotMerchant, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVerify = r.Header.Get("X-VERIFY")
		gotMerchant = r.Header.Get("X-MERCHANT-ID")
		gotPath = r.URL.Path
		w.Write([]byte(`{
			"success": true,
			"code": "PAYMENT_SUCCESS",
			"data": {
				"merchantTransactionId": "NIBOG_42_1700000000000",
				"transactionId": "T2401081200000000000000",
				"amount": 180000,
				"state": "COMPLETED",
				"responseCode": "SUCCESS"
			}
		}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	resp, err := client.CheckStatus(context.Background(), "NIBOG_42_1700000000000")

	require.NoError(t, err)
	assert.True(t, resp.IsTerminalSuccess())
	assert.False(t, resp.IsPending())
	assert.Equal(t, int64(180000), resp.Data.Amount)
	assert.Equal(t, "PGTESTPAYUAT86", gotMerchant)
	assert.Equal(t, "/PGTESTPAYUAT86/NIBOG_42_1700000000000", gotPath)

	// Signature covers the documented API path, not our local URL.
	expected := NewSigner(Salt{Key: testSaltKey, Index: "1"}).
		Sign("", "/pg/v1/status/PGTESTPAYUAT86/NIBOG_42_1700000000000")
	assert.Equal(t, expected, gotVerify)
}

func TestStatusResponse_StateClassification(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		state   string
		success bool
		pending bool
		failure bool
	}{
		{"Completed", "PAYMENT_SUCCESS", StateCompleted, true, false, false},
		{"Pending state", "", StatePending, false, true, false},
		{"Pending code", "PAYMENT_PENDING", "", false, true, false},
		{"Initiated code", "PAYMENT_INITIATED", "", false, true, false},
		{"Failed", "PAYMENT_ERROR", StateFailed, false, false, true},
		{"Cancelled", "PAYMENT_CANCELLED", StateCancelled, false, false, true},
		{"Declined code only", "PAYMENT_DECLINED", "", false, false, true},
		{"Timed out code only", "TIMED_OUT", "", false, false, true},
		{"Unknown values", "SOMETHING_NEW", "ODD_STATE", false, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp StatusResponse
			resp.Code = tc.code
			resp.Data.State = tc.state
			assert.Equal(t, tc.success, resp.IsTerminalSuccess())
			assert.Equal(t, tc.pending, resp.IsPending())
			assert.Equal(t, tc.failure, resp.IsTerminalFailure())
		})
	}
}

func TestVerifyCallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	body := []byte(`{"response":"ok"}`)
	header := "fc028dcf7f58476f1a37d958a422b0ba62e2effba9303f5d0f88fab5b671b3b8###1"

	assert.True(t, client.VerifyCallback(body, header))
	assert.False(t, client.VerifyCallback(body, header+"x"))
}
