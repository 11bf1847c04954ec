package ingress

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/transfa/transfer-orchestrator/internal/domain"
)

// Profile describes how one aggregator shapes its callbacks.
type Profile struct {
	Name            string
	SignatureHeader string
	// TokenPaths lists, per phase, the dotted paths that may carry the correlation token.
	TokenPaths     map[domain.Phase][]string
	StatusPaths    []string
	ReferencePaths []string
	ReasonPaths    []string
	// Statuses maps upper-cased provider status strings onto outcomes.
	Statuses map[string]domain.Outcome
}

const defaultSignatureHeader = "X-Callback-Signature"

func samePaths(paths ...string) map[domain.Phase][]string {
	return map[domain.Phase][]string{
		domain.PhaseCollection:   paths,
		domain.PhaseDisbursement: paths,
		domain.PhaseRefund:       paths,
	}
}

// DefaultProfiles returns the normalization tables of the supported aggregators.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"pawapay": {
			Name:            "pawapay",
			SignatureHeader: defaultSignatureHeader,
			TokenPaths: map[domain.Phase][]string{
				domain.PhaseCollection:   {"depositId"},
				domain.PhaseDisbursement: {"payoutId"},
				domain.PhaseRefund:       {"refundId"},
			},
			StatusPaths:    []string{"status"},
			ReferencePaths: []string{"providerTransactionId"},
			ReasonPaths:    []string{"failureReason.failureMessage", "failureReason.failureCode"},
			Statuses: map[string]domain.Outcome{
				"ACCEPTED":          domain.OutcomeAccepted,
				"DUPLICATE_IGNORED": domain.OutcomeAccepted,
				"SUBMITTED":         domain.OutcomeSubmitted,
				"ENQUEUED":          domain.OutcomeEnqueued,
				"COMPLETED":         domain.OutcomeCompleted,
				"FAILED":            domain.OutcomeFailed,
				"REJECTED":          domain.OutcomeRejected,
			},
		},
		"ligdicash": {
			Name:            "ligdicash",
			SignatureHeader: defaultSignatureHeader,
			TokenPaths:      samePaths("custom_data.transaction_id", "external_id", "transaction_id"),
			StatusPaths:     []string{"status"},
			ReferencePaths:  []string{"operator_id", "token"},
			ReasonPaths:     []string{"response_text", "wiki"},
			Statuses: map[string]domain.Outcome{
				"PENDING":     domain.OutcomeSubmitted,
				"COMPLETED":   domain.OutcomeCompleted,
				"NOCOMPLETED": domain.OutcomeFailed,
				"FAILED":      domain.OutcomeFailed,
				"CANCELLED":   domain.OutcomeRejected,
			},
		},
		"afribapay": {
			Name:            "afribapay",
			SignatureHeader: "Afribapay-Sign",
			TokenPaths:      samePaths("order_id", "data.order_id", "reference_id", "data.reference_id"),
			StatusPaths:     []string{"status", "data.status"},
			ReferencePaths:  []string{"transaction_id", "data.transaction_id"},
			ReasonPaths:     []string{"message", "data.message", "error.message"},
			Statuses: map[string]domain.Outcome{
				"INITIATED":  domain.OutcomeAccepted,
				"PENDING":    domain.OutcomeSubmitted,
				"PROCESSING": domain.OutcomeSubmitted,
				"SUCCESS":    domain.OutcomeCompleted,
				"SUCCESSFUL": domain.OutcomeCompleted,
				"FAILED":     domain.OutcomeFailed,
				"REJECTED":   domain.OutcomeRejected,
				"CANCELLED":  domain.OutcomeRejected,
			},
		},
	}
}

// Normalize maps a decoded callback body onto the orchestrator's event shape.
// A body without a correlation token is malformed; an unknown status becomes
// OutcomeUnrecognized and is left for the orchestrator to refuse.
func (p Profile) Normalize(phase domain.Phase, body map[string]any) (domain.CallbackEvent, error) {
	token := firstString(body, p.TokenPaths[phase])
	if token == "" {
		return domain.CallbackEvent{}, fmt.Errorf("%w: %s %s callback carries no correlation token", ErrMalformedCallback, p.Name, phase)
	}

	status := firstString(body, p.StatusPaths)
	outcome, ok := p.Statuses[strings.ToUpper(status)]
	if !ok {
		outcome = domain.OutcomeUnrecognized
	}

	return domain.CallbackEvent{
		Provider:          p.Name,
		Phase:             phase,
		Token:             strings.ToUpper(token),
		Outcome:           outcome,
		ProviderStatus:    status,
		ProviderReference: firstString(body, p.ReferencePaths),
		Reason:            firstString(body, p.ReasonPaths),
		Raw:               body,
	}, nil
}

func firstString(body map[string]any, paths []string) string {
	for _, path := range paths {
		if value := lookup(body, path); value != "" {
			return value
		}
	}
	return ""
}

// lookup resolves a dotted path. LigdiCash sends custom_data as a list of
// {keyof_customdata, valueof_customdata} pairs, which is searched by key.
func lookup(body map[string]any, path string) string {
	var current any = body
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			current = node[part]
		case []any:
			current = customDataValue(node, part)
		default:
			return ""
		}
	}
	return scalar(current)
}

func customDataValue(items []any, key string) any {
	for _, item := range items {
		pair, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if scalar(pair["keyof_customdata"]) == key {
			return pair["valueof_customdata"]
		}
	}
	return nil
}

func scalar(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
