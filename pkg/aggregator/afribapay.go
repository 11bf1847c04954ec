package aggregator

import (
	"context"
	"strings"
)

// AfribaPay operator codes keyed by "<country>:<short code>".
var afribaPayOperators = map[string]string{
	"BF:orange": "orange",
	"BF:moov":   "moov",
	"CI:orange": "orange",
	"CI:mtn":    "mtn",
	"CI:moov":   "moov",
	"CI:wave":   "wave",
	"SN:orange": "orange",
	"SN:free":   "free",
	"SN:wave":   "wave",
	"ML:orange": "orange",
	"ML:moov":   "moov",
}

// AfribaPayClient talks to the AfribaPay API. Payouts live on a separate host
// (PayoutBaseURL); refunds are payouts back to the sender.
type AfribaPayClient struct {
	cfg  Config
	http *httpClient
}

// NewAfribaPayClient creates an AfribaPay client authenticated with a bearer token.
func NewAfribaPayClient(cfg Config) *AfribaPayClient {
	return &AfribaPayClient{
		cfg: cfg,
		http: newHTTPClient(ProviderAfribaPay, cfg.Timeout, map[string]string{
			"Authorization": "Bearer " + cfg.APIToken,
		}),
	}
}

func (c *AfribaPayClient) Name() string { return ProviderAfribaPay }

type afribaPayRequest struct {
	Operator    string `json:"operator"`
	Country     string `json:"country"`
	PhoneNumber string `json:"phone_number"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	ReferenceID string `json:"reference_id"`
	MerchantKey string `json:"merchant_key"`
	NotifyURL   string `json:"notify_url,omitempty"`
	OTPCode     string `json:"otp_code,omitempty"`
}

func (c *AfribaPayClient) request(req Request, phase string) afribaPayRequest {
	return afribaPayRequest{
		Operator:    c.cfg.operatorCode(afribaPayOperators, req.Account),
		Country:     strings.ToUpper(req.Account.Country),
		PhoneNumber: req.Account.MSISDN,
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		OrderID:     req.Token,
		ReferenceID: req.Token,
		MerchantKey: c.cfg.MerchantKey,
		NotifyURL:   c.cfg.callbackURL(ProviderAfribaPay, phase),
	}
}

// Collect initiates a payin from the payer's wallet.
func (c *AfribaPayClient) Collect(ctx context.Context, req Request) (*Result, error) {
	payload := c.request(req, "collection")
	payload.OTPCode = strings.TrimSpace(req.OTP)
	url := joinURL(c.cfg.BaseURL, c.cfg.path(c.cfg.Paths.Collect, "/pay/payin"))
	return c.do(ctx, OpCollect, url, payload)
}

// Disburse initiates a payout to the payee's wallet.
func (c *AfribaPayClient) Disburse(ctx context.Context, req Request) (*Result, error) {
	url := joinURL(c.payoutBase(), c.cfg.path(c.cfg.Paths.Disburse, "/pay/payout"))
	return c.do(ctx, OpDisburse, url, c.request(req, "disbursement"))
}

// Refund pays the principal back to the original sender.
func (c *AfribaPayClient) Refund(ctx context.Context, req Request) (*Result, error) {
	url := joinURL(c.payoutBase(), c.cfg.path(c.cfg.Paths.Refund, "/pay/payout"))
	return c.do(ctx, OpRefund, url, c.request(req, "refund"))
}

func (c *AfribaPayClient) payoutBase() string {
	if strings.TrimSpace(c.cfg.PayoutBaseURL) != "" {
		return c.cfg.PayoutBaseURL
	}
	return c.cfg.BaseURL
}

func (c *AfribaPayClient) do(ctx context.Context, op, url string, payload interface{}) (*Result, error) {
	decoded, raw, err := c.http.postJSON(ctx, op, url, payload)
	if err != nil {
		return nil, err
	}

	if message := lookupString(decoded, "error.message"); message != "" {
		return nil, c.http.rejected(op, message, raw)
	}

	status := strings.ToUpper(lookupString(decoded, "data.status"))
	switch status {
	case "PENDING", "PROCESSING", "INITIATED", "SUCCESS":
	case "FAILED", "REJECTED", "CANCELLED":
		message := lookupString(decoded, "data.message")
		if message == "" {
			message = "request rejected by afribapay"
		}
		return nil, c.http.rejected(op, message, raw)
	default:
		return nil, c.http.unknownOutcome(op, "unexpected afribapay status "+status, raw)
	}

	return &Result{
		Accepted:          true,
		ProviderReference: lookupString(decoded, "data.transaction_id"),
		ProviderStatus:    status,
		RawPayload:        decoded,
	}, nil
}
