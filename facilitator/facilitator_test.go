package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/resource/client"
	"github.com/vorpalengineering/x402-adserver/types"
	"github.com/vorpalengineering/x402-adserver/utils"
)

const (
	payerKeyHex       = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	facilitatorKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testNetwork       = "base-sepolia"
)

var testNow = time.Unix(1_700_000_000, 0)

// fakeChain answers the RPC calls made during verify and settle.
type fakeChain struct {
	mu            sync.Mutex
	balance       *big.Int
	simulateErr   error
	receiptStatus uint64
	pendingPolls  int
	sent          []*ethtypes.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{balance: big.NewInt(1_000_000), receiptStatus: ethtypes.ReceiptStatusSuccessful}
}

func (c *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	balanceOf, _ := abi.JSON(strings.NewReader(utils.ERC20BalanceOfABI))
	if bytes.HasPrefix(msg.Data, balanceOf.Methods["balanceOf"].ID) {
		return common.LeftPadBytes(c.balance.Bytes(), 32), nil
	}
	return nil, c.simulateErr
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingPolls > 0 {
		c.pendingPolls--
		return nil, ethereum.NotFound
	}
	return &ethtypes.Receipt{Status: c.receiptStatus, TxHash: hash, BlockNumber: big.NewInt(42)}, nil
}

func (c *fakeChain) HeaderByNumber(context.Context, *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: big.NewInt(42), Time: uint64(testNow.Unix()) + 2}, nil
}

func (c *fakeChain) Close() {}

func (c *fakeChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testConfig(t *testing.T) *FacilitatorConfig {
	t.Helper()
	cfg := &FacilitatorConfig{
		Server: ServerConfig{Host: "localhost", Port: 4020},
		Networks: map[string]NetworkConfig{
			testNetwork: {RpcUrl: "http://localhost:8545", ChainId: "84532"},
		},
		Supported: []types.SupportedKind{
			{Scheme: types.SchemeExact, Network: testNetwork},
		},
		Transaction: TransactionConfig{TimeoutSeconds: 5, MaxGasPrice: "100000000000", ReceiptPollMillis: 1},
		Log:         LogConfig{Level: "error"},
		PrivateKey:  facilitatorKeyHex,
	}
	if err := cfg.LoadSigner(); err != nil {
		t.Fatalf("LoadSigner failed: %v", err)
	}
	return cfg
}

func testRequirements() *types.PaymentRequirements {
	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: "10000",
		PayTo:             "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func newTestFacilitator(t *testing.T, chain *fakeChain, now time.Time) *Facilitator {
	t.Helper()
	return NewFacilitator(testConfig(t),
		WithLogger(logger.NewNop()),
		WithChainClient(testNetwork, chain),
		WithClock(func() time.Time { return now }),
	)
}

func paymentHeader(t *testing.T, req *types.PaymentRequirements) string {
	t.Helper()
	key, err := crypto.HexToECDSA(payerKeyHex)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	c := client.NewClient(key, client.WithClock(func() time.Time { return testNow }))
	header, err := c.GeneratePayment(req)
	if err != nil {
		t.Fatalf("GeneratePayment failed: %v", err)
	}
	return header
}

func postJSON(t *testing.T, f *Facilitator, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func verify(t *testing.T, f *Facilitator, header string, req *types.PaymentRequirements) types.VerifyResponse {
	t.Helper()
	recorder := postJSON(t, f, "/verify", types.VerifyRequest{X402Version: 1, PaymentHeader: header, PaymentRequirements: *req})
	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp types.VerifyResponse
	if err := json.NewDecoder(recorder.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func settle(t *testing.T, f *Facilitator, header string, req *types.PaymentRequirements) types.SettleResponse {
	t.Helper()
	recorder := postJSON(t, f, "/settle", types.SettleRequest{X402Version: 1, PaymentHeader: header, PaymentRequirements: *req})
	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp types.SettleResponse
	if err := json.NewDecoder(recorder.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestSupported(t *testing.T) {
	f := newTestFacilitator(t, newFakeChain(), testNow)

	req, _ := http.NewRequest("GET", "/supported", nil)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, recorder.Code)
	}

	var response types.SupportedResponse
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Kinds) != 1 || response.Kinds[0].Network != testNetwork {
		t.Errorf("Unexpected supported kinds: %+v", response.Kinds)
	}
}

func TestSupportedEmpty(t *testing.T) {
	f := NewFacilitator(&FacilitatorConfig{Log: LogConfig{Level: "error"}})

	req, _ := http.NewRequest("GET", "/supported", nil)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	// Should still return 200 with empty array
	if recorder.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"kinds":[]`) {
		t.Errorf("Expected empty kinds array, got %s", recorder.Body.String())
	}
}

func TestVerifyValidPayment(t *testing.T) {
	f := newTestFacilitator(t, newFakeChain(), testNow)
	req := testRequirements()

	resp := verify(t, f, paymentHeader(t, req), req)
	if !resp.IsValid {
		t.Fatalf("Expected valid payment, got reason %q", resp.InvalidReason)
	}

	key, _ := crypto.HexToECDSA(payerKeyHex)
	if want := crypto.PubkeyToAddress(key.PublicKey).Hex(); resp.Payer != want {
		t.Errorf("Expected payer %s, got %s", want, resp.Payer)
	}
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		chain  func(*fakeChain)
		header func(t *testing.T) string
		req    func(*types.PaymentRequirements)
		reason string
	}{
		{
			name:   "expired",
			now:    testNow.Add(2 * time.Minute),
			reason: ReasonExpired,
		},
		{
			name:   "amount raised after signing",
			req:    func(r *types.PaymentRequirements) { r.MaxAmountRequired = "20000" },
			reason: ReasonInsufficientAmount,
		},
		{
			name:   "different recipient",
			req:    func(r *types.PaymentRequirements) { r.PayTo = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC" },
			reason: ReasonRecipientMismatch,
		},
		{
			name: "tampered value",
			header: func(t *testing.T) string {
				payload, _ := utils.DecodePaymentHeader(paymentHeader(t, testRequirements()))
				payload.Payload.Value = "999999"
				header, _ := utils.EncodePaymentHeader(payload)
				return header
			},
			reason: ReasonInvalidSignature,
		},
		{
			name:   "not base64",
			header: func(t *testing.T) string { return "???" },
			reason: ReasonInvalidPayload,
		},
		{
			name:   "unsupported network",
			req:    func(r *types.PaymentRequirements) { r.Network = "base" },
			reason: ReasonInvalidNetwork,
		},
		{
			name:   "insufficient balance",
			chain:  func(c *fakeChain) { c.balance = big.NewInt(5) },
			reason: ReasonInsufficientFunds,
		},
		{
			name:   "simulation reverts",
			chain:  func(c *fakeChain) { c.simulateErr = errors.New("execution reverted: authorization is used") },
			reason: ReasonSimulationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain()
			if tt.chain != nil {
				tt.chain(chain)
			}
			now := testNow
			if !tt.now.IsZero() {
				now = tt.now
			}
			f := newTestFacilitator(t, chain, now)

			var header string
			if tt.header != nil {
				header = tt.header(t)
			} else {
				header = paymentHeader(t, testRequirements())
			}

			req := testRequirements()
			if tt.req != nil {
				tt.req(req)
			}

			resp := verify(t, f, header, req)
			if resp.IsValid {
				t.Fatal("Expected invalid payment")
			}
			if resp.InvalidReason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, resp.InvalidReason)
			}
		})
	}
}

func TestVerifyBadRequest(t *testing.T) {
	f := newTestFacilitator(t, newFakeChain(), testNow)

	recorder := postJSON(t, f, "/verify", map[string]any{"x402Version": 2, "paymentHeader": "abc"})
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", recorder.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader("{"))
	recorder = httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed JSON, got %d", recorder.Code)
	}
}

func TestSettle(t *testing.T) {
	chain := newFakeChain()
	chain.pendingPolls = 2
	f := newTestFacilitator(t, chain, testNow)
	req := testRequirements()
	header := paymentHeader(t, req)

	resp := settle(t, f, header, req)
	if resp.Event != types.EventPaymentSettled {
		t.Fatalf("Expected %s, got %s (%s)", types.EventPaymentSettled, resp.Event, resp.Error)
	}

	if chain.sentCount() != 1 {
		t.Fatalf("Expected one transaction, got %d", chain.sentCount())
	}
	tx := chain.sent[0]
	if resp.TxHash != tx.Hash().Hex() {
		t.Errorf("Expected tx hash %s, got %s", tx.Hash().Hex(), resp.TxHash)
	}
	if *tx.To() != common.HexToAddress(req.Asset) {
		t.Errorf("Expected transaction to token %s, got %s", req.Asset, tx.To().Hex())
	}
	if tx.Nonce() != 7 {
		t.Errorf("Expected signer nonce 7, got %d", tx.Nonce())
	}

	signer, err := ethtypes.Sender(ethtypes.NewEIP155Signer(big.NewInt(84532)), tx)
	if err != nil {
		t.Fatalf("Failed to recover sender: %v", err)
	}
	if signer != f.config.Signer.Address {
		t.Errorf("Expected transaction from facilitator %s, got %s", f.config.Signer.Address.Hex(), signer.Hex())
	}

	if resp.BlockNumber != 42 {
		t.Errorf("Expected block 42, got %d", resp.BlockNumber)
	}
	if resp.Timestamp != testNow.Unix()+2 {
		t.Errorf("Expected block timestamp %d, got %d", testNow.Unix()+2, resp.Timestamp)
	}
	if resp.Value != "10000" || resp.To != common.HexToAddress(req.PayTo).Hex() {
		t.Errorf("Unexpected transfer details: %+v", resp)
	}
}

func TestSettleRejectsReusedNonce(t *testing.T) {
	chain := newFakeChain()
	f := newTestFacilitator(t, chain, testNow)
	req := testRequirements()
	header := paymentHeader(t, req)

	first := settle(t, f, header, req)
	if first.Event != types.EventPaymentSettled {
		t.Fatalf("Expected first settlement to succeed, got %s (%s)", first.Event, first.Error)
	}

	second := settle(t, f, header, req)
	if second.Event != types.EventPaymentFailed {
		t.Fatalf("Expected %s for reused nonce, got %s", types.EventPaymentFailed, second.Event)
	}
	if second.Error != ReasonNonceUsed {
		t.Errorf("Expected error %q, got %q", ReasonNonceUsed, second.Error)
	}
	if chain.sentCount() != 1 {
		t.Errorf("Expected a single transaction, got %d", chain.sentCount())
	}

	// Verify reports the nonce as spent too
	if resp := verify(t, f, header, req); resp.IsValid || resp.InvalidReason != ReasonNonceUsed {
		t.Errorf("Expected verify to reject spent nonce, got %+v", resp)
	}
}

func TestSettleRevertedReleasesNonce(t *testing.T) {
	chain := newFakeChain()
	chain.receiptStatus = ethtypes.ReceiptStatusFailed
	f := newTestFacilitator(t, chain, testNow)
	req := testRequirements()
	header := paymentHeader(t, req)

	resp := settle(t, f, header, req)
	if resp.Event != types.EventPaymentFailed || resp.Error != ReasonSettlementFailed {
		t.Fatalf("Expected settlement_failed, got %+v", resp)
	}
	if resp.TxHash == "" {
		t.Error("Expected tx hash of the reverted transaction")
	}

	chain.receiptStatus = ethtypes.ReceiptStatusSuccessful
	if retry := settle(t, f, header, req); retry.Event != types.EventPaymentSettled {
		t.Errorf("Expected retry to settle, got %+v", retry)
	}
}

func TestSettleInvalidPaymentSendsNothing(t *testing.T) {
	chain := newFakeChain()
	f := newTestFacilitator(t, chain, testNow.Add(time.Hour))
	req := testRequirements()

	resp := settle(t, f, paymentHeader(t, req), req)
	if resp.Event != types.EventPaymentFailed || resp.Error != ReasonExpired {
		t.Errorf("Expected expired failure, got %+v", resp)
	}
	if chain.sentCount() != 0 {
		t.Errorf("Expected no transaction, got %d", chain.sentCount())
	}
}

func TestSettleGasPriceCap(t *testing.T) {
	chain := newFakeChain()
	f := newTestFacilitator(t, chain, testNow)
	f.config.Transaction.MaxGasPrice = "1"
	req := testRequirements()

	resp := settle(t, f, paymentHeader(t, req), req)
	if resp.Event != types.EventPaymentFailed {
		t.Errorf("Expected failure when gas price exceeds cap, got %+v", resp)
	}
	if chain.sentCount() != 0 {
		t.Errorf("Expected no transaction, got %d", chain.sentCount())
	}
}

func TestCloseReleasesClients(t *testing.T) {
	f := newTestFacilitator(t, newFakeChain(), testNow)
	if _, err := f.getRPCClient(testNetwork); err != nil {
		t.Fatalf("Expected registered client: %v", err)
	}

	f.Close()

	f.rpcClientsMu.RLock()
	count := len(f.rpcClients)
	f.rpcClientsMu.RUnlock()
	if count != 0 {
		t.Errorf("Expected 0 RPC clients after Close, got %d", count)
	}
}
