package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vorpalengineering/x402-adserver/types"
	"github.com/vorpalengineering/x402-adserver/utils"
)

// DefaultMaxTimeoutSeconds bounds validBefore when the requirements do not.
const DefaultMaxTimeoutSeconds = 60

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithClock replaces time.Now when computing validBefore.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// WithNonceSource replaces crypto/rand as the source of authorization nonces.
func WithNonceSource(r io.Reader) Option {
	return func(cl *Client) { cl.nonceSource = r }
}

// Client pays for x402 protected resources with an EIP-3009 authorization
// signed by its private key.
type Client struct {
	httpClient  *http.Client
	privateKey  *ecdsa.PrivateKey
	address     common.Address
	now         func() time.Time
	nonceSource io.Reader
}

func NewClient(privateKey *ecdsa.PrivateKey, opts ...Option) *Client {
	client := &Client{
		httpClient:  &http.Client{},
		privateKey:  privateKey,
		now:         time.Now,
		nonceSource: rand.Reader,
	}

	// Only derive address if we have a private key
	if privateKey != nil {
		client.address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) Address() common.Address {
	return c.address
}

// CheckForPaymentRequired sends the request without payment. For a 402
// answer the body is consumed and the parsed requirements are returned;
// any other response is returned untouched with nil requirements.
func (c *Client) CheckForPaymentRequired(
	ctx context.Context,
	method string,
	url string,
	contentType string,
	body []byte,
) (*http.Response, *types.PaymentRequirements, error) {
	resp, err := c.send(ctx, method, url, contentType, body, "")
	if err != nil {
		return nil, nil, err
	}

	// If not 402, return response with no requirements
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil, nil
	}

	// Parse 402 Payment Required response
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read 402 response: %w", err)
	}

	var paymentResp types.PaymentRequiredResponse
	if err := json.Unmarshal(respBody, &paymentResp); err != nil {
		return nil, nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	requirements := paymentResp.Requirements()
	if requirements == nil {
		return nil, nil, fmt.Errorf("402 response carries no payment requirements")
	}

	// Note: resp.Body is closed, but caller can inspect status/headers
	return resp, requirements, nil
}

// GeneratePayment builds an X-PAYMENT header value for requirements.
func (c *Client) GeneratePayment(requirements *types.PaymentRequirements) (string, error) {
	// Check that we have a private key for payment generation
	if c.privateKey == nil {
		return "", fmt.Errorf("cannot generate payment: client was created without a private key")
	}
	return buildPaymentHeader(c.privateKey, requirements, c.now(), c.nonceSource)
}

// BuildPaymentHeader signs a transferWithAuthorization for requirements
// with signingKey and returns the base64 encoded envelope.
//
// The nonce is 32 random bytes, validAfter is 0 and validBefore is now plus
// maxTimeoutSeconds (DefaultMaxTimeoutSeconds when unset).
func BuildPaymentHeader(signingKey *ecdsa.PrivateKey, requirements *types.PaymentRequirements) (string, error) {
	return buildPaymentHeader(signingKey, requirements, time.Now(), rand.Reader)
}

func buildPaymentHeader(signingKey *ecdsa.PrivateKey, requirements *types.PaymentRequirements, now time.Time, nonceSource io.Reader) (string, error) {
	if signingKey == nil {
		return "", fmt.Errorf("signing key is required")
	}

	// Validate scheme
	if requirements.Scheme != types.SchemeExact {
		return "", fmt.Errorf("unsupported payment scheme: %s (only 'exact' is supported)", requirements.Scheme)
	}

	// Parse amount
	value, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok || value.Sign() < 0 {
		return "", fmt.Errorf("invalid amount: %s", requirements.MaxAmountRequired)
	}

	// Parse recipient and asset addresses
	if !common.IsHexAddress(requirements.PayTo) {
		return "", fmt.Errorf("invalid recipient address: %s", requirements.PayTo)
	}
	if !common.IsHexAddress(requirements.Asset) {
		return "", fmt.Errorf("invalid asset address: %s", requirements.Asset)
	}

	nonce, err := generateNonce(nonceSource)
	if err != nil {
		return "", err
	}

	timeout := requirements.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultMaxTimeoutSeconds
	}

	auth := types.ExactSchemePayload{
		From:        crypto.PubkeyToAddress(signingKey.PublicKey).Hex(),
		To:          common.HexToAddress(requirements.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  0,
		ValidBefore: now.Add(time.Duration(timeout) * time.Second).Unix(),
		Nonce:       hexutil.Encode(nonce[:]),
		Asset:       common.HexToAddress(requirements.Asset).Hex(),
	}

	typedData, err := utils.BuildEIP712TypedData(&auth, requirements)
	if err != nil {
		return "", fmt.Errorf("failed to build typed data: %w", err)
	}

	auth.Signature, err = utils.SignTypedData(typedData, signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}

	return utils.EncodePaymentHeader(&types.PaymentPayload{
		X402Version: types.X402Version,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload:     auth,
	})
}

func generateNonce(source io.Reader) ([32]byte, error) {
	var nonce [32]byte
	if _, err := io.ReadFull(source, nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// PayForResource GETs url. A 402 answer is paid and the GET is retried
// once with the X-PAYMENT header; any other first answer is returned as-is.
func (c *Client) PayForResource(ctx context.Context, url string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, url, "", nil)
}

// Do is PayForResource for an arbitrary method and body.
func (c *Client) Do(ctx context.Context, method, url, contentType string, body []byte) (*http.Response, error) {
	resp, requirements, err := c.CheckForPaymentRequired(ctx, method, url, contentType, body)
	if err != nil {
		return nil, err
	}
	if requirements == nil {
		return resp, nil
	}
	return c.PayWithRequirements(ctx, method, url, contentType, body, requirements)
}

// PayWithRequirements sends the request with a payment for requirements
// attached, without probing first.
func (c *Client) PayWithRequirements(
	ctx context.Context,
	method string,
	url string,
	contentType string,
	body []byte,
	requirements *types.PaymentRequirements,
) (*http.Response, error) {
	// Generate payment header
	paymentHeader, err := c.GeneratePayment(requirements)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, url, contentType, body, paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("request with payment failed: %w", err)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, url, contentType string, body []byte, paymentHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if paymentHeader != "" {
		req.Header.Set(types.HeaderPayment, paymentHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// DecodePaymentResponse reads the X-PAYMENT-RESPONSE header of a paid
// response, if present.
func DecodePaymentResponse(resp *http.Response) (*types.SettleResponse, error) {
	raw := resp.Header.Get(types.HeaderPaymentResponse)
	if raw == "" {
		return nil, nil
	}
	settle, err := utils.DecodePaymentResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid payment response header: %w", err)
	}
	return settle, nil
}
