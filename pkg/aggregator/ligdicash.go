package aggregator

import (
	"context"
	"strings"
)

// LigdiCashClient talks to the LigdiCash "straight" API. Refunds are payouts
// back to the sender's wallet.
type LigdiCashClient struct {
	cfg  Config
	http *httpClient
}

// NewLigdiCashClient creates a LigdiCash client. LigdiCash authenticates with both
// an Apikey header and a bearer token.
func NewLigdiCashClient(cfg Config) *LigdiCashClient {
	return &LigdiCashClient{
		cfg: cfg,
		http: newHTTPClient(ProviderLigdiCash, cfg.Timeout, map[string]string{
			"Apikey":        cfg.APIKey,
			"Authorization": "Bearer " + cfg.APIToken,
		}),
	}
}

func (c *LigdiCashClient) Name() string { return ProviderLigdiCash }

type ligdiCustomData struct {
	TransactionID string `json:"transaction_id"`
}

type ligdiInvoice struct {
	Items        []any  `json:"items"`
	TotalAmount  string `json:"total_amount"`
	Devise       string `json:"devise"`
	Description  string `json:"description"`
	Customer     string `json:"customer"`
	ExternalID   string `json:"external_id"`
	OTP          string `json:"otp,omitempty"`
	CustomerName string `json:"customer_firstname,omitempty"`
}

type ligdiActions struct {
	CancelURL   string `json:"cancel_url"`
	ReturnURL   string `json:"return_url"`
	CallbackURL string `json:"callback_url"`
}

type ligdiPayinRequest struct {
	Commande struct {
		Invoice    ligdiInvoice    `json:"invoice"`
		Store      map[string]any  `json:"store"`
		Actions    ligdiActions    `json:"actions"`
		CustomData ligdiCustomData `json:"custom_data"`
	} `json:"commande"`
}

type ligdiPayoutRequest struct {
	Commande struct {
		Amount      string          `json:"amount"`
		Description string          `json:"description"`
		Customer    string          `json:"customer"`
		CustomData  ligdiCustomData `json:"custom_data"`
		CallbackURL string          `json:"callback_url"`
		TopUpWallet int             `json:"top_up_wallet"`
	} `json:"commande"`
}

// Collect creates a straight checkout invoice debiting the payer.
func (c *LigdiCashClient) Collect(ctx context.Context, req Request) (*Result, error) {
	payload := ligdiPayinRequest{}
	payload.Commande.Invoice = ligdiInvoice{
		Items:       []any{},
		TotalAmount: req.Amount.String(),
		Devise:      req.Currency,
		Description: req.Description,
		Customer:    req.Account.MSISDN,
		ExternalID:  req.Token,
		OTP:         strings.TrimSpace(req.OTP),
	}
	payload.Commande.Store = map[string]any{"name": "transfer-orchestrator"}
	payload.Commande.Actions = ligdiActions{CallbackURL: c.cfg.callbackURL(ProviderLigdiCash, "collection")}
	payload.Commande.CustomData = ligdiCustomData{TransactionID: req.Token}

	url := joinURL(c.cfg.BaseURL, c.cfg.path(c.cfg.Paths.Collect, "/straight/checkout-invoice/create"))
	return c.do(ctx, OpCollect, url, payload)
}

// Disburse credits the payee's wallet.
func (c *LigdiCashClient) Disburse(ctx context.Context, req Request) (*Result, error) {
	url := joinURL(c.payoutBase(), c.cfg.path(c.cfg.Paths.Disburse, "/straight/payout"))
	return c.do(ctx, OpDisburse, url, c.payout(req, "disbursement"))
}

// Refund pays the principal back to the original sender.
func (c *LigdiCashClient) Refund(ctx context.Context, req Request) (*Result, error) {
	url := joinURL(c.payoutBase(), c.cfg.path(c.cfg.Paths.Refund, "/straight/payout"))
	return c.do(ctx, OpRefund, url, c.payout(req, "refund"))
}

func (c *LigdiCashClient) payout(req Request, phase string) ligdiPayoutRequest {
	payload := ligdiPayoutRequest{}
	payload.Commande.Amount = req.Amount.String()
	payload.Commande.Description = req.Description
	payload.Commande.Customer = req.Account.MSISDN
	payload.Commande.CustomData = ligdiCustomData{TransactionID: req.Token}
	payload.Commande.CallbackURL = c.cfg.callbackURL(ProviderLigdiCash, phase)
	payload.Commande.TopUpWallet = 1
	return payload
}

func (c *LigdiCashClient) payoutBase() string {
	if strings.TrimSpace(c.cfg.PayoutBaseURL) != "" {
		return c.cfg.PayoutBaseURL
	}
	return c.cfg.BaseURL
}

func (c *LigdiCashClient) do(ctx context.Context, op, url string, payload interface{}) (*Result, error) {
	decoded, raw, err := c.http.postJSON(ctx, op, url, payload)
	if err != nil {
		return nil, err
	}

	// LigdiCash answers 200 for everything and reports the verdict in response_code.
	code := lookupString(decoded, "response_code")
	if code != "00" {
		message := lookupString(decoded, "response_text")
		if message == "" {
			message = lookupString(decoded, "description")
		}
		if message == "" {
			message = "request rejected by ligdicash (code " + code + ")"
		}
		if code == "" {
			return nil, c.http.unknownOutcome(op, message, raw)
		}
		return nil, c.http.rejected(op, message, raw)
	}

	return &Result{
		Accepted:          true,
		ProviderReference: lookupString(decoded, "token"),
		ProviderStatus:    code,
		RawPayload:        decoded,
	}, nil
}
