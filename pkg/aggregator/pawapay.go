package aggregator

import (
	"context"
	"strings"
)

// pawaPay correspondent codes keyed by "<country>:<short code>".
var pawaPayOperators = map[string]string{
	"BF:orange": "ORANGE_BFA",
	"BF:moov":   "MOOV_BFA",
	"BJ:mtn":    "MTN_MOMO_BEN",
	"BJ:moov":   "MOOV_BEN",
	"CI:orange": "ORANGE_CIV",
	"CI:mtn":    "MTN_MOMO_CIV",
	"CI:moov":   "MOOV_CIV",
	"CI:wave":   "WAVE_CIV",
	"SN:orange": "ORANGE_SEN",
	"SN:free":   "FREE_SEN",
	"SN:wave":   "WAVE_SEN",
	"TG:moov":   "MOOV_TGO",
	"TG:tmoney": "TMONEY_TGO",
}

// PawaPayClient talks to the pawaPay merchant API (/deposits, /payouts, /refunds).
type PawaPayClient struct {
	cfg  Config
	http *httpClient
}

// NewPawaPayClient creates a pawaPay client authenticated with a bearer token.
func NewPawaPayClient(cfg Config) *PawaPayClient {
	return &PawaPayClient{
		cfg: cfg,
		http: newHTTPClient(ProviderPawaPay, cfg.Timeout, map[string]string{
			"Authorization": "Bearer " + cfg.APIToken,
		}),
	}
}

func (c *PawaPayClient) Name() string { return ProviderPawaPay }

type pawaPayAccountDetails struct {
	PhoneNumber string `json:"phoneNumber"`
	Provider    string `json:"provider"`
}

type pawaPayParty struct {
	Type           string                `json:"type"`
	AccountDetails pawaPayAccountDetails `json:"accountDetails"`
}

type pawaPayDepositRequest struct {
	DepositID            string       `json:"depositId"`
	Amount               string       `json:"amount"`
	Currency             string       `json:"currency"`
	Payer                pawaPayParty `json:"payer"`
	PreAuthorisationCode string       `json:"preAuthorisationCode,omitempty"`
	CustomerMessage      string       `json:"customerMessage,omitempty"`
}

type pawaPayPayoutRequest struct {
	PayoutID        string       `json:"payoutId"`
	Amount          string       `json:"amount"`
	Currency        string       `json:"currency"`
	Recipient       pawaPayParty `json:"recipient"`
	CustomerMessage string       `json:"customerMessage,omitempty"`
}

type pawaPayRefundRequest struct {
	RefundID  string `json:"refundId"`
	DepositID string `json:"depositId"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

func (c *PawaPayClient) party(account Account) pawaPayParty {
	return pawaPayParty{
		Type: "MMO",
		AccountDetails: pawaPayAccountDetails{
			PhoneNumber: account.MSISDN,
			Provider:    c.cfg.operatorCode(pawaPayOperators, account),
		},
	}
}

// Collect initiates a deposit from the payer's wallet.
func (c *PawaPayClient) Collect(ctx context.Context, req Request) (*Result, error) {
	payload := pawaPayDepositRequest{
		DepositID:            req.Token,
		Amount:               req.Amount.String(),
		Currency:             req.Currency,
		Payer:                c.party(req.Account),
		PreAuthorisationCode: strings.TrimSpace(req.OTP),
		CustomerMessage:      customerMessage(req.Description),
	}
	url := joinURL(c.cfg.BaseURL, c.cfg.path(c.cfg.Paths.Collect, "/deposits"))
	return c.do(ctx, OpCollect, url, payload, "depositId")
}

// Disburse initiates a payout to the payee's wallet.
func (c *PawaPayClient) Disburse(ctx context.Context, req Request) (*Result, error) {
	payload := pawaPayPayoutRequest{
		PayoutID:        req.Token,
		Amount:          req.Amount.String(),
		Currency:        req.Currency,
		Recipient:       c.party(req.Account),
		CustomerMessage: customerMessage(req.Description),
	}
	url := joinURL(c.baseForPayouts(), c.cfg.path(c.cfg.Paths.Disburse, "/payouts"))
	return c.do(ctx, OpDisburse, url, payload, "payoutId")
}

// Refund reverses a completed deposit. pawaPay refunds reference the deposit id
// and always credit the wallet the deposit came from.
func (c *PawaPayClient) Refund(ctx context.Context, req Request) (*Result, error) {
	payload := pawaPayRefundRequest{
		RefundID:  req.Token,
		DepositID: req.OriginalToken,
		Amount:    req.Amount.String(),
		Currency:  req.Currency,
	}
	url := joinURL(c.cfg.BaseURL, c.cfg.path(c.cfg.Paths.Refund, "/refunds"))
	return c.do(ctx, OpRefund, url, payload, "refundId")
}

func (c *PawaPayClient) baseForPayouts() string {
	if strings.TrimSpace(c.cfg.PayoutBaseURL) != "" {
		return c.cfg.PayoutBaseURL
	}
	return c.cfg.BaseURL
}

func (c *PawaPayClient) do(ctx context.Context, op, url string, payload interface{}, idField string) (*Result, error) {
	decoded, raw, err := c.http.postJSON(ctx, op, url, payload)
	if err != nil {
		return nil, err
	}

	status := strings.ToUpper(lookupString(decoded, "status"))
	switch status {
	case "ACCEPTED", "DUPLICATE_IGNORED", "SUBMITTED", "ENQUEUED", "COMPLETED":
	case "REJECTED", "FAILED":
		message := lookupString(decoded, "failureReason.failureMessage")
		if message == "" {
			message = lookupString(decoded, "failureReason.failureCode")
		}
		if message == "" {
			message = "request rejected by pawapay"
		}
		return nil, c.http.rejected(op, message, raw)
	default:
		return nil, c.http.unknownOutcome(op, "unexpected pawapay status "+status, raw)
	}

	reference := lookupString(decoded, "providerTransactionId")
	if reference == "" {
		reference = lookupString(decoded, idField)
	}
	return &Result{
		Accepted:          true,
		ProviderReference: reference,
		ProviderStatus:    status,
		RawPayload:        decoded,
	}, nil
}

// customerMessage trims the statement description to pawaPay's 4-22 character window.
func customerMessage(description string) string {
	description = strings.TrimSpace(description)
	if len(description) < 4 {
		return ""
	}
	if len(description) > 22 {
		return description[:22]
	}
	return description
}
