package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vorpalengineering/x402-adserver/types"
	"github.com/vorpalengineering/x402-adserver/utils"
)

// Invalid reasons reported to clients.
const (
	ReasonInvalidPayload     = "invalid_payload"
	ReasonUnsupportedScheme  = "unsupported_scheme"
	ReasonInvalidNetwork     = "invalid_network"
	ReasonInvalidSignature   = "invalid_signature"
	ReasonInsufficientAmount = "insufficient_amount"
	ReasonNotYetValid        = "not_yet_valid"
	ReasonExpired            = "expired"
	ReasonRecipientMismatch  = "recipient_mismatch"
	ReasonAssetMismatch      = "asset_mismatch"
	ReasonNonceUsed          = "nonce_used"
	ReasonInsufficientFunds  = "insufficient_funds"
	ReasonSimulationFailed   = "simulation_failed"
	ReasonSettlementFailed   = "settlement_failed"
)

// Rejection is a failed check. Reason goes to the client, Detail to the log.
type Rejection struct {
	Reason string
	Detail string
}

func reject(reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// verifiedPayment is a payload that passed every check.
type verifiedPayment struct {
	Payload *types.PaymentPayload
	Auth    *types.ExactSchemePayload
	Client  ChainClient
}

func (f *Facilitator) verifyPayment(ctx context.Context, paymentHeader string, requirements *types.PaymentRequirements) (*verifiedPayment, *Rejection) {
	// Decode the payment header from base64
	payload, err := utils.DecodePaymentHeader(paymentHeader)
	if err != nil {
		return nil, reject(ReasonInvalidPayload, "failed to decode payment header: %v", err)
	}
	if payload.X402Version != types.X402Version {
		return nil, reject(ReasonInvalidPayload, "unsupported x402Version: %d", payload.X402Version)
	}

	// Verify based on scheme
	switch payload.Scheme {
	case types.SchemeExact:
		return f.verifyExactScheme(ctx, payload, requirements)
	default:
		return nil, reject(ReasonUnsupportedScheme, "unsupported scheme: %s", payload.Scheme)
	}
}

func (f *Facilitator) verifyExactScheme(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*verifiedPayment, *Rejection) {
	auth := &payload.Payload

	// Step 1: Scheme and network
	if payload.Scheme != requirements.Scheme {
		return nil, reject(ReasonUnsupportedScheme, "scheme mismatch: got %s, expected %s", payload.Scheme, requirements.Scheme)
	}
	if payload.Network != requirements.Network {
		return nil, reject(ReasonInvalidNetwork, "network mismatch: got %s, expected %s", payload.Network, requirements.Network)
	}
	if !f.config.IsSupported(payload.Scheme, payload.Network) {
		return nil, reject(ReasonInvalidNetwork, "unsupported network: %s", payload.Network)
	}

	// Step 2: Signature Validation
	if rejection := verifySignature(auth, requirements); rejection != nil {
		return nil, rejection
	}

	// Step 3: Amount Validation
	if rejection := verifyAmount(auth, requirements); rejection != nil {
		return nil, rejection
	}

	// Step 4: Time Window Check
	if rejection := f.verifyTimeWindow(auth); rejection != nil {
		return nil, rejection
	}

	// Step 5: Parameter Matching
	if rejection := verifyParameters(auth, requirements); rejection != nil {
		return nil, rejection
	}

	// Step 6: Nonce not already settled here
	if f.nonceUsed(auth) {
		return nil, reject(ReasonNonceUsed, "nonce %s already used by %s", auth.Nonce, auth.From)
	}

	client, err := f.getRPCClient(requirements.Network)
	if err != nil {
		return nil, reject(ReasonInvalidNetwork, "failed to connect to network: %v", err)
	}

	// Step 7: Balance Verification
	if rejection := verifyBalance(ctx, client, auth, requirements); rejection != nil {
		return nil, rejection
	}

	// Step 8: Transaction Simulation
	if rejection := f.simulateTransaction(ctx, client, auth, requirements); rejection != nil {
		return nil, rejection
	}

	return &verifiedPayment{Payload: payload, Auth: auth, Client: client}, nil
}

func verifySignature(auth *types.ExactSchemePayload, requirements *types.PaymentRequirements) *Rejection {
	if auth.Signature == "" {
		return reject(ReasonInvalidSignature, "missing signature")
	}
	if !common.IsHexAddress(auth.From) {
		return reject(ReasonInvalidPayload, "invalid from address: %s", auth.From)
	}

	// Build EIP-712 typed data
	typedData, err := utils.BuildEIP712TypedData(auth, requirements)
	if err != nil {
		return reject(ReasonInvalidPayload, "failed to build typed data: %v", err)
	}

	// Recover the signer and compare with auth.From
	recoveredAddr, err := utils.RecoverTypedDataSigner(typedData, auth.Signature)
	if err != nil {
		return reject(ReasonInvalidSignature, "%v", err)
	}

	expectedAddr := common.HexToAddress(auth.From)
	if recoveredAddr != expectedAddr {
		return reject(ReasonInvalidSignature, "signature mismatch: recovered %s, expected %s",
			recoveredAddr.Hex(), expectedAddr.Hex())
	}

	return nil
}

func verifyAmount(auth *types.ExactSchemePayload, requirements *types.PaymentRequirements) *Rejection {
	// Parse amounts as big.Int for safe comparison
	paymentAmount, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return reject(ReasonInvalidPayload, "invalid payment amount format")
	}

	requiredAmount, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return reject(ReasonInvalidPayload, "invalid required amount format")
	}

	// Payment must be >= required amount
	if paymentAmount.Cmp(requiredAmount) < 0 {
		return reject(ReasonInsufficientAmount, "insufficient amount: got %s, required %s", auth.Value, requirements.MaxAmountRequired)
	}

	return nil
}

func (f *Facilitator) verifyTimeWindow(auth *types.ExactSchemePayload) *Rejection {
	now := f.now().Unix()

	// Check validAfter
	if now < auth.ValidAfter {
		return reject(ReasonNotYetValid, "payment not yet valid (valid after %d)", auth.ValidAfter)
	}

	// Check validBefore
	if now >= auth.ValidBefore {
		return reject(ReasonExpired, "payment expired (valid before %d)", auth.ValidBefore)
	}

	return nil
}

func verifyParameters(auth *types.ExactSchemePayload, requirements *types.PaymentRequirements) *Rejection {
	// Verify recipient address matches
	if !common.IsHexAddress(auth.To) || common.HexToAddress(auth.To) != common.HexToAddress(requirements.PayTo) {
		return reject(ReasonRecipientMismatch, "recipient mismatch: got %s, expected %s", auth.To, requirements.PayTo)
	}

	// Asset is optional in the payload
	if auth.Asset != "" && common.HexToAddress(auth.Asset) != common.HexToAddress(requirements.Asset) {
		return reject(ReasonAssetMismatch, "asset mismatch: got %s, expected %s", auth.Asset, requirements.Asset)
	}

	if len(common.FromHex(auth.Nonce)) != 32 {
		return reject(ReasonInvalidPayload, "invalid nonce: %s", auth.Nonce)
	}

	return nil
}

func verifyBalance(ctx context.Context, client ChainClient, auth *types.ExactSchemePayload, requirements *types.PaymentRequirements) *Rejection {
	// Parse the payment amount
	paymentAmount, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return reject(ReasonInvalidPayload, "invalid payment amount format")
	}

	// Parse the ERC-20 ABI
	parsedABI, err := abi.JSON(strings.NewReader(utils.ERC20BalanceOfABI))
	if err != nil {
		return reject(ReasonInsufficientFunds, "failed to parse ABI: %v", err)
	}

	// Encode the balanceOf call
	fromAddress := common.HexToAddress(auth.From)
	callData, err := parsedABI.Pack("balanceOf", fromAddress)
	if err != nil {
		return reject(ReasonInsufficientFunds, "failed to encode balanceOf call: %v", err)
	}

	// Create the call message
	tokenAddress := common.HexToAddress(requirements.Asset)
	msg := ethereum.CallMsg{
		To:   &tokenAddress,
		Data: callData,
	}

	// Execute the call
	result, err := client.CallContract(ctx, msg, nil) // nil = latest block
	if err != nil {
		return reject(ReasonInsufficientFunds, "failed to call balanceOf: %v", err)
	}

	// Decode the result
	var balance *big.Int
	if err := parsedABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return reject(ReasonInsufficientFunds, "failed to decode balance: %v", err)
	}

	// Check if balance is sufficient
	if balance.Cmp(paymentAmount) < 0 {
		return reject(ReasonInsufficientFunds, "insufficient balance: has %s, needs %s", balance.String(), paymentAmount.String())
	}

	return nil
}

func (f *Facilitator) simulateTransaction(ctx context.Context, client ChainClient, auth *types.ExactSchemePayload, requirements *types.PaymentRequirements) *Rejection {
	callData, err := packTransferWithAuthorization(auth)
	if err != nil {
		return reject(ReasonInvalidPayload, "%v", err)
	}

	// Create the call message
	tokenAddress := common.HexToAddress(requirements.Asset)
	msg := ethereum.CallMsg{
		From: f.config.Signer.Address,
		To:   &tokenAddress,
		Data: callData,
	}

	// Simulate the transaction
	if _, err := client.CallContract(ctx, msg, nil); err != nil {
		return reject(ReasonSimulationFailed, "transaction would fail: %v", err)
	}

	return nil
}

// packTransferWithAuthorization ABI encodes the EIP-3009 call for auth.
func packTransferWithAuthorization(auth *types.ExactSchemePayload) ([]byte, error) {
	// Parse the EIP-3009 ABI
	parsedABI, err := abi.JSON(strings.NewReader(utils.EIP3009TransferWithAuthABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	// Extract v, r, s from signature
	v, r, s, err := utils.ExtractVRS(auth.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to extract signature: %w", err)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value: %s", auth.Value)
	}

	// Parse nonce (should be bytes32)
	var authNonce [32]byte
	nonceBytes := common.FromHex(auth.Nonce)
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid nonce length: expected 32 bytes, got %d", len(nonceBytes))
	}
	copy(authNonce[:], nonceBytes)

	// Encode the transferWithAuthorization call
	callData, err := parsedABI.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		authNonce,
		v,
		r,
		s,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call: %w", err)
	}
	return callData, nil
}

func nonceKey(auth *types.ExactSchemePayload) string {
	return common.HexToAddress(auth.From).Hex() + ":" + strings.ToLower(auth.Nonce)
}

func (f *Facilitator) nonceUsed(auth *types.ExactSchemePayload) bool {
	f.noncesMu.Lock()
	defer f.noncesMu.Unlock()
	_, used := f.nonces[nonceKey(auth)]
	return used
}

// claimNonce marks auth's nonce as in use. It returns false when another
// settlement already claimed it.
func (f *Facilitator) claimNonce(auth *types.ExactSchemePayload) bool {
	f.noncesMu.Lock()
	defer f.noncesMu.Unlock()
	key := nonceKey(auth)
	if _, used := f.nonces[key]; used {
		return false
	}
	f.nonces[key] = struct{}{}
	return true
}

func (f *Facilitator) releaseNonce(auth *types.ExactSchemePayload) {
	f.noncesMu.Lock()
	defer f.noncesMu.Unlock()
	delete(f.nonces, nonceKey(auth))
}
