package types

// Protocol constants

const (
	X402Version = 1

	SchemeExact = "exact"

	EventPaymentSettled = "payment.settled"
	EventPaymentFailed  = "payment.failed"

	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderVersion         = "X402-Version"
)

// Client/Facilitator types

type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"` // Raw base64 encoded header
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SettleRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"` // Raw base64 encoded header
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type SettleResponse struct {
	Event       string `json:"event"`
	TxHash      string `json:"txHash,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Value       string `json:"value,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Network     string `json:"network,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Settled reports whether the facilitator finalized the transfer.
func (r *SettleResponse) Settled() bool {
	return r != nil && r.Event == EventPaymentSettled
}

type SupportedKind struct {
	Scheme  string `json:"scheme" yaml:"scheme"`
	Network string `json:"network" yaml:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Payment types

// PaymentRequiredResponse is the body of an HTTP 402 answer.
type PaymentRequiredResponse struct {
	Error               string                `json:"error,omitempty"`
	Reason              string                `json:"reason,omitempty"`
	X402Version         int                   `json:"x402Version"`
	PaymentRequirements *PaymentRequirements  `json:"paymentRequirements,omitempty"`
	Accepts             []PaymentRequirements `json:"accepts,omitempty"`
}

// Requirements returns the single requirements object, falling back to the
// first entry of accepts for servers that answer with a list.
func (r *PaymentRequiredResponse) Requirements() *PaymentRequirements {
	if r.PaymentRequirements != nil {
		return r.PaymentRequirements
	}
	if len(r.Accepts) > 0 {
		return &r.Accepts[0]
	}
	return nil
}

type PaymentRequirements struct {
	Scheme            string         `json:"scheme" yaml:"scheme"`
	Network           string         `json:"network" yaml:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired" yaml:"max_amount_required"`
	Resource          string         `json:"resource,omitempty" yaml:"resource"`
	Description       string         `json:"description" yaml:"description"`
	MimeType          string         `json:"mimeType" yaml:"mime_type"`
	OutputSchema      map[string]any `json:"outputSchema,omitempty" yaml:"-"`
	PayTo             string         `json:"payTo" yaml:"pay_to"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds" yaml:"max_timeout_seconds"`
	Asset             string         `json:"asset" yaml:"asset"`
	Extra             map[string]any `json:"extra,omitempty" yaml:"extra"`
}

// PaymentPayload is the versioned envelope carried, base64 encoded, in the
// X-PAYMENT header.
type PaymentPayload struct {
	X402Version int                `json:"x402Version"`
	Scheme      string             `json:"scheme"`
	Network     string             `json:"network"`
	Payload     ExactSchemePayload `json:"payload"`
}

// ExactSchemePayload is a signed EIP-3009 transferWithAuthorization.
type ExactSchemePayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
	Asset       string `json:"asset"`
}
