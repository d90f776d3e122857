package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vorpalengineering/x402-adserver/metrics"
	"github.com/vorpalengineering/x402-adserver/tracing"
	"github.com/vorpalengineering/x402-adserver/types"
)

type Phase string

const (
	PhaseVerify    Phase = "verify"
	PhaseSettle    Phase = "settle"
	PhaseSupported Phase = "supported"
)

// maxErrorBody caps how much of a failed response is kept as detail.
const maxErrorBody = 4 << 10

// PaymentError reports a facilitator call that did not produce a protocol
// answer. Detail carries the facilitator's own error message when it sent
// one, otherwise the transport error text.
type PaymentError struct {
	Phase      Phase
	StatusCode int
	Detail     string
	Err        error
}

func (e *PaymentError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("x402 %s failed: %s", e.Phase, e.Detail)
	}
	return fmt.Sprintf("x402 %s failed: %v", e.Phase, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Option configures a FacilitatorClient.
type Option func(*FacilitatorClient)

func WithHTTPClient(c *http.Client) Option {
	return func(fc *FacilitatorClient) { fc.httpClient = c }
}

// WithNetwork sets the network used for requirements that do not name one.
func WithNetwork(network string) Option {
	return func(fc *FacilitatorClient) { fc.network = network }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(fc *FacilitatorClient) { fc.metrics = m }
}

// FacilitatorClient talks to an x402 facilitator over HTTP. It does not
// retry; callers decide what a failure means for their own response.
type FacilitatorClient struct {
	facilitatorURL string
	network        string
	httpClient     *http.Client
	metrics        *metrics.Metrics
}

func NewFacilitatorClient(facilitatorURL string, opts ...Option) *FacilitatorClient {
	fc := &FacilitatorClient{
		facilitatorURL: strings.TrimRight(facilitatorURL, "/"),
		httpClient:     &http.Client{},
	}
	for _, opt := range opts {
		opt(fc)
	}
	return fc
}

func (fc *FacilitatorClient) URL() string {
	return fc.facilitatorURL
}

func (fc *FacilitatorClient) Network() string {
	return fc.network
}

// Verify asks the facilitator whether paymentHeader satisfies requirements.
// An invalid payment is a normal answer with IsValid=false, not an error.
func (fc *FacilitatorClient) Verify(ctx context.Context, paymentHeader string, requirements *types.PaymentRequirements) (resp *types.VerifyResponse, err error) {
	ctx, span := tracing.Start(ctx, "x402.verify", attribute.String("x402.facilitator", fc.facilitatorURL))
	defer func() { tracing.End(span, err) }()

	req := &types.VerifyRequest{
		X402Version:         types.X402Version,
		PaymentHeader:       paymentHeader,
		PaymentRequirements: fc.withNetwork(requirements),
	}

	var verifyResp types.VerifyResponse
	status, err := fc.post(ctx, PhaseVerify, req, requirements.MaxTimeoutSeconds, &verifyResp)
	switch {
	case err != nil:
		fc.metrics.ObserveFacilitatorCall(string(PhaseVerify), "error")
		return nil, err
	case status != http.StatusOK && verifyResp.IsValid:
		// a success body on an error status is not trusted
		fc.metrics.ObserveFacilitatorCall(string(PhaseVerify), "error")
		return nil, &PaymentError{Phase: PhaseVerify, StatusCode: status, Err: fmt.Errorf("unexpected status code: %d", status)}
	}

	outcome := "valid"
	if !verifyResp.IsValid {
		outcome = "invalid"
	}
	fc.metrics.ObserveFacilitatorCall(string(PhaseVerify), outcome)
	span.SetAttributes(attribute.Bool("x402.valid", verifyResp.IsValid))
	return &verifyResp, nil
}

// Settle asks the facilitator to execute the transfer. The result is
// successful only when Event is payment.settled; any other event tag is
// returned to the caller as-is.
func (fc *FacilitatorClient) Settle(ctx context.Context, paymentHeader string, requirements *types.PaymentRequirements) (resp *types.SettleResponse, err error) {
	ctx, span := tracing.Start(ctx, "x402.settle", attribute.String("x402.facilitator", fc.facilitatorURL))
	defer func() { tracing.End(span, err) }()

	req := &types.SettleRequest{
		X402Version:         types.X402Version,
		PaymentHeader:       paymentHeader,
		PaymentRequirements: fc.withNetwork(requirements),
	}

	var settleResp types.SettleResponse
	status, err := fc.post(ctx, PhaseSettle, req, requirements.MaxTimeoutSeconds, &settleResp)
	switch {
	case err != nil:
		fc.metrics.ObserveFacilitatorCall(string(PhaseSettle), "error")
		return nil, err
	case status != http.StatusOK && settleResp.Settled():
		fc.metrics.ObserveFacilitatorCall(string(PhaseSettle), "error")
		return nil, &PaymentError{Phase: PhaseSettle, StatusCode: status, Err: fmt.Errorf("unexpected status code: %d", status)}
	}

	outcome := "settled"
	if !settleResp.Settled() {
		outcome = "failed"
	}
	fc.metrics.ObserveFacilitatorCall(string(PhaseSettle), outcome)
	span.SetAttributes(attribute.String("x402.event", settleResp.Event), attribute.String("x402.tx_hash", settleResp.TxHash))
	return &settleResp, nil
}

// Supported lists the scheme/network pairs the facilitator accepts.
func (fc *FacilitatorClient) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	// Build supported endpoint url
	url := fmt.Sprintf("%s/supported", fc.facilitatorURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := fc.httpClient.Do(req)
	if err != nil {
		return nil, &PaymentError{Phase: PhaseSupported, Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(PhaseSupported, resp)
	}

	var supportedResp types.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &supportedResp, nil
}

func (fc *FacilitatorClient) withNetwork(requirements *types.PaymentRequirements) types.PaymentRequirements {
	req := *requirements
	if req.Network == "" {
		req.Network = fc.network
	}
	return req
}

// post sends body to the phase endpoint and decodes the answer into out.
// Non-200 answers that still decode into a protocol response (an invalid
// reason or an event tag) are handed back with their status; anything else
// becomes a *PaymentError.
func (fc *FacilitatorClient) post(ctx context.Context, phase Phase, body any, timeoutSeconds int, out any) (int, error) {
	if timeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}

	// Build endpoint url
	url := fmt.Sprintf("%s/%s", fc.facilitatorURL, phase)

	// Encode request
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(types.HeaderVersion, fmt.Sprint(types.X402Version))

	// Make request to facilitator
	resp, err := fc.httpClient.Do(req)
	if err != nil {
		return 0, &PaymentError{Phase: phase, Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, &PaymentError{Phase: phase, StatusCode: resp.StatusCode, Detail: err.Error(), Err: err}
	}

	decodeErr := json.Unmarshal(raw, out)
	if resp.StatusCode == http.StatusOK {
		if decodeErr != nil {
			return resp.StatusCode, &PaymentError{Phase: phase, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", decodeErr)}
		}
		return resp.StatusCode, nil
	}

	if decodeErr == nil && isProtocolAnswer(out) {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &PaymentError{
		Phase:      phase,
		StatusCode: resp.StatusCode,
		Detail:     errorDetail(raw),
		Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
	}
}

func isProtocolAnswer(out any) bool {
	switch v := out.(type) {
	case *types.VerifyResponse:
		return v.InvalidReason != ""
	case *types.SettleResponse:
		return v.Event != ""
	}
	return false
}

func statusError(phase Phase, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &PaymentError{
		Phase:      phase,
		StatusCode: resp.StatusCode,
		Detail:     errorDetail(raw),
		Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
	}
}

// errorDetail extracts a facilitator error message from a response body.
func errorDetail(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, s := range []string{body.Error, body.Detail, body.Message} {
			if s != "" {
				return s
			}
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return text
}

// IsPaymentError reports whether err came from a facilitator call.
func IsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
