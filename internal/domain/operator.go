package domain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operator is a mobile-money carrier (Orange Money, Moov Money, ...).
type Operator struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	ShortCode string    `json:"short_code"`
	Country   string    `json:"country"`
	Active    bool      `json:"active"`
}

// FeeRule is a fixed amount plus a percentage of the principal.
type FeeRule struct {
	Fixed   decimal.Decimal `json:"fee_fixed"`
	Percent decimal.Decimal `json:"fee_percent"`
}

// FeeBreakdown is the result of a fee computation.
type FeeBreakdown struct {
	OperatorFee  decimal.Decimal `json:"operator_fee"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	Total        decimal.Decimal `json:"total"`
	TotalDebited decimal.Decimal `json:"total_debited"`
}

// dialCodes covers the markets the aggregators settle in.
var dialCodes = map[string]string{
	"BF": "226",
	"BJ": "229",
	"CI": "225",
	"ML": "223",
	"NE": "227",
	"SN": "221",
	"TG": "228",
}

// DialCode returns the international prefix for an ISO country code.
func DialCode(country string) (string, bool) {
	code, ok := dialCodes[strings.ToUpper(strings.TrimSpace(country))]
	return code, ok
}

// QualifyMSISDN turns a local phone number into its country-qualified form
// (digits only, no leading '+'). Numbers that already carry the prefix are kept.
func QualifyMSISDN(country, phone string) string {
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	local := strings.TrimPrefix(string(digits), "00")
	code, ok := DialCode(country)
	if !ok {
		return local
	}
	if strings.HasPrefix(local, code) && len(local) > len(code)+7 {
		return local
	}
	return code + local
}
