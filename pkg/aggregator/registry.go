package aggregator

import (
	"fmt"
	"strings"
	"time"
)

// Provider names accepted by New.
const (
	ProviderPawaPay   = "pawapay"
	ProviderLigdiCash = "ligdicash"
	ProviderAfribaPay = "afribapay"
)

// Paths holds the provider endpoints relative to the base URLs.
type Paths struct {
	Collect  string
	Disburse string
	Refund   string
}

// Config selects and configures the active aggregator.
type Config struct {
	Provider      string
	BaseURL       string
	PayoutBaseURL string
	APIToken      string
	APIKey        string
	MerchantKey   string
	// CallbackBaseURL is the public URL of this service; callbacks are routed to
	// {CallbackBaseURL}/callbacks/{provider}/{phase}.
	CallbackBaseURL string
	Timeout         time.Duration
	// Paths overrides the provider's default endpoints when set.
	Paths Paths
	// OperatorCodes overrides the mapping from "<country>:<short code>" to the provider's operator code.
	OperatorCodes map[string]string
}

// New builds the Adapter named by cfg.Provider.
func New(cfg Config) (Adapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("aggregator base url is required for provider %q", provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch provider {
	case ProviderPawaPay:
		return NewPawaPayClient(cfg), nil
	case ProviderLigdiCash:
		return NewLigdiCashClient(cfg), nil
	case ProviderAfribaPay:
		return NewAfribaPayClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported aggregator provider %q", cfg.Provider)
	}
}

func (cfg Config) callbackURL(provider, phase string) string {
	if strings.TrimSpace(cfg.CallbackBaseURL) == "" {
		return ""
	}
	return joinURL(cfg.CallbackBaseURL, "/callbacks/"+provider+"/"+phase)
}

func (cfg Config) path(override, fallback string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return fallback
}

// operatorCode resolves the provider code for a wallet, preferring configured overrides.
func (cfg Config) operatorCode(defaults map[string]string, account Account) string {
	key := strings.ToUpper(strings.TrimSpace(account.Country)) + ":" + strings.ToLower(strings.TrimSpace(account.OperatorCode))
	if code, ok := cfg.OperatorCodes[key]; ok {
		return code
	}
	if code, ok := defaults[key]; ok {
		return code
	}
	return strings.ToUpper(strings.TrimSpace(account.OperatorCode))
}
