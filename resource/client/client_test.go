package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vorpalengineering/x402-adserver/types"
	"github.com/vorpalengineering/x402-adserver/utils"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var nonceFormat = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

func testRequirements() *types.PaymentRequirements {
	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Resource:          "https://ads.example.com/api/premium/market-report",
		Description:       "Market report",
		MimeType:          "application/json",
		PayTo:             "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		MaxTimeoutSeconds: 120,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Extra:             map[string]any{"name": "USDC", "version": "2"},
	}
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	return NewClient(key, opts...)
}

func TestGeneratePayment(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestClient(t, WithClock(func() time.Time { return now }))
	req := testRequirements()

	header, err := c.GeneratePayment(req)
	if err != nil {
		t.Fatalf("GeneratePayment failed: %v", err)
	}

	payload, err := utils.DecodePaymentHeader(header)
	if err != nil {
		t.Fatalf("Header does not decode: %v", err)
	}

	if payload.X402Version != 1 {
		t.Errorf("Expected x402Version 1, got %d", payload.X402Version)
	}
	if payload.Scheme != types.SchemeExact || payload.Network != "base-sepolia" {
		t.Errorf("Unexpected envelope %s/%s", payload.Scheme, payload.Network)
	}

	auth := payload.Payload
	if !nonceFormat.MatchString(auth.Nonce) {
		t.Errorf("Nonce %q is not 32 bytes of hex", auth.Nonce)
	}
	if auth.ValidAfter != 0 {
		t.Errorf("Expected validAfter 0, got %d", auth.ValidAfter)
	}
	if want := now.Unix() + 120; auth.ValidBefore != want {
		t.Errorf("Expected validBefore %d, got %d", want, auth.ValidBefore)
	}
	if auth.From != c.Address().Hex() {
		t.Errorf("Expected from %s, got %s", c.Address().Hex(), auth.From)
	}
	if auth.Value != "10000" {
		t.Errorf("Expected value 10000, got %s", auth.Value)
	}

	typedData, err := utils.BuildEIP712TypedData(&auth, req)
	if err != nil {
		t.Fatalf("BuildEIP712TypedData failed: %v", err)
	}
	signer, err := utils.RecoverTypedDataSigner(typedData, auth.Signature)
	if err != nil {
		t.Fatalf("RecoverTypedDataSigner failed: %v", err)
	}
	if signer != c.Address() {
		t.Errorf("Signature recovers %s, expected %s", signer.Hex(), c.Address().Hex())
	}
}

func TestGeneratePaymentDefaultTimeout(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestClient(t, WithClock(func() time.Time { return now }))
	req := testRequirements()
	req.MaxTimeoutSeconds = 0

	header, err := c.GeneratePayment(req)
	if err != nil {
		t.Fatalf("GeneratePayment failed: %v", err)
	}
	payload, _ := utils.DecodePaymentHeader(header)
	if want := now.Unix() + DefaultMaxTimeoutSeconds; payload.Payload.ValidBefore != want {
		t.Errorf("Expected validBefore %d, got %d", want, payload.Payload.ValidBefore)
	}
}

func TestGeneratePaymentNonceUniqueness(t *testing.T) {
	c := newTestClient(t)
	req := testRequirements()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		header, err := c.GeneratePayment(req)
		if err != nil {
			t.Fatalf("GeneratePayment failed: %v", err)
		}
		payload, _ := utils.DecodePaymentHeader(header)
		if seen[payload.Payload.Nonce] {
			t.Fatalf("Nonce %s repeated after %d headers", payload.Payload.Nonce, i)
		}
		seen[payload.Payload.Nonce] = true
	}
}

func TestGeneratePaymentDeterministic(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	nonce := bytes.Repeat([]byte{0x42}, 32)

	build := func() string {
		c := newTestClient(t,
			WithClock(func() time.Time { return now }),
			WithNonceSource(bytes.NewReader(nonce)),
		)
		header, err := c.GeneratePayment(testRequirements())
		if err != nil {
			t.Fatalf("GeneratePayment failed: %v", err)
		}
		return header
	}

	if build() != build() {
		t.Error("Expected identical headers for the same key, clock and nonce")
	}
}

func TestGeneratePaymentRejectsBadRequirements(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.PaymentRequirements)
	}{
		{"unsupported scheme", func(r *types.PaymentRequirements) { r.Scheme = "upto" }},
		{"bad amount", func(r *types.PaymentRequirements) { r.MaxAmountRequired = "ten" }},
		{"bad recipient", func(r *types.PaymentRequirements) { r.PayTo = "nobody" }},
		{"bad asset", func(r *types.PaymentRequirements) { r.Asset = "0x123" }},
		{"unknown network", func(r *types.PaymentRequirements) { r.Network = "moon" }},
	}

	c := newTestClient(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequirements()
			tt.mutate(req)
			if _, err := c.GeneratePayment(req); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestGeneratePaymentWithoutKey(t *testing.T) {
	if _, err := NewClient(nil).GeneratePayment(testRequirements()); err == nil {
		t.Error("Expected error for client without private key")
	}
}

func TestPayForResource(t *testing.T) {
	var requests atomic.Int32
	var gotHeader atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}

		header := r.Header.Get(types.HeaderPayment)
		if header == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(types.PaymentRequiredResponse{
				Error:               "Payment required",
				X402Version:         types.X402Version,
				PaymentRequirements: testRequirements(),
			})
			return
		}

		gotHeader.Store(header)
		settle, _ := utils.EncodePaymentResponse(&types.SettleResponse{Event: types.EventPaymentSettled, TxHash: "0xabc"})
		w.Header().Set(types.HeaderPaymentResponse, settle)
		w.Write([]byte(`{"report":"unlocked"}`))
	}))
	defer server.Close()

	c := newTestClient(t)
	resp, err := c.PayForResource(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("PayForResource failed: %v", err)
	}
	defer resp.Body.Close()

	if n := requests.Load(); n != 2 {
		t.Errorf("Expected exactly 2 requests, got %d", n)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"report":"unlocked"}` {
		t.Errorf("Unexpected body %s", body)
	}

	payload, err := utils.DecodePaymentHeader(gotHeader.Load().(string))
	if err != nil {
		t.Fatalf("Server received undecodable header: %v", err)
	}
	if payload.Payload.From != c.Address().Hex() {
		t.Errorf("Expected payer %s, got %s", c.Address().Hex(), payload.Payload.From)
	}

	settle, err := DecodePaymentResponse(resp)
	if err != nil {
		t.Fatalf("DecodePaymentResponse failed: %v", err)
	}
	if settle == nil || settle.TxHash != "0xabc" {
		t.Errorf("Expected tx hash 0xabc, got %+v", settle)
	}
}

func TestPayForResourceAcceptsList(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get(types.HeaderPayment) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(types.PaymentRequiredResponse{
				X402Version: types.X402Version,
				Accepts:     []types.PaymentRequirements{*testRequirements()},
			})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := newTestClient(t).PayForResource(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("PayForResource failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || requests.Load() != 2 {
		t.Errorf("Expected paid 200 after 2 requests, got %d after %d", resp.StatusCode, requests.Load())
	}
}

func TestPayForResourceWithoutPaywall(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}))
	defer server.Close()

	resp, err := newTestClient(t).PayForResource(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("PayForResource failed: %v", err)
	}
	defer resp.Body.Close()

	if requests.Load() != 1 {
		t.Errorf("Expected a single request, got %d", requests.Load())
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 passed through, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "missing" {
		t.Errorf("Expected original body, got %s", body)
	}
}

func TestCheckForPaymentRequiredWithoutRequirements(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"x402Version":1,"error":"Payment required"}`))
	}))
	defer server.Close()

	_, _, err := newTestClient(t).CheckForPaymentRequired(context.Background(), http.MethodGet, server.URL, "", nil)
	if err == nil {
		t.Error("Expected error for 402 without requirements")
	}
}
