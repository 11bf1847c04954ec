/**
 * @description
 * Fee computation for transfers. The fee is the sum of the operator-pair rule
 * (fixed + percent) and the platform rule (fixed + percent). Compute is pure;
 * Calculator resolves the rules from a RuleSource and falls back to a default
 * percentage when no operator-pair rule exists.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact decimal arithmetic for money.
 */
package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-orchestrator/internal/domain"
)

// ErrRuleNotFound is returned by a RuleSource when no rule is configured.
var ErrRuleNotFound = errors.New("fee rule not found")

const scale = 2

var hundred = decimal.NewFromInt(100)

// RuleSource resolves fee rules. Rule storage is managed outside this service.
type RuleSource interface {
	FindOperatorFeeRule(ctx context.Context, senderOperatorID, receiverOperatorID uuid.UUID) (*domain.FeeRule, error)
	FindPlatformFeeRule(ctx context.Context) (*domain.FeeRule, error)
}

// Compute applies both rules to amount. Each component is rounded half away from
// zero to two decimals before summing, so the total is always the sum of its parts.
func Compute(operator, platform domain.FeeRule, amount decimal.Decimal) domain.FeeBreakdown {
	operatorFee := apply(operator, amount)
	platformFee := apply(platform, amount)
	total := operatorFee.Add(platformFee)
	return domain.FeeBreakdown{
		OperatorFee:  operatorFee,
		PlatformFee:  platformFee,
		Total:        total,
		TotalDebited: amount.Add(total),
	}
}

func apply(rule domain.FeeRule, amount decimal.Decimal) decimal.Decimal {
	fee := rule.Fixed.Add(amount.Mul(rule.Percent).Div(hundred)).Round(scale)
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

// Calculator computes transfer fees from stored rules.
type Calculator struct {
	rules       RuleSource
	defaultRule domain.FeeRule
}

// NewCalculator creates a Calculator. defaultPercent applies when the operator pair has no rule.
func NewCalculator(rules RuleSource, defaultPercent decimal.Decimal) *Calculator {
	return &Calculator{
		rules:       rules,
		defaultRule: domain.FeeRule{Fixed: decimal.Zero, Percent: defaultPercent},
	}
}

// Calculate returns the fee breakdown for a transfer between two operators.
func (c *Calculator) Calculate(ctx context.Context, senderOperatorID, receiverOperatorID uuid.UUID, amount decimal.Decimal) (domain.FeeBreakdown, error) {
	if !amount.IsPositive() {
		return domain.FeeBreakdown{}, fmt.Errorf("amount must be greater than zero, got %s", amount)
	}

	operatorRule := c.defaultRule
	if c.rules != nil {
		rule, err := c.rules.FindOperatorFeeRule(ctx, senderOperatorID, receiverOperatorID)
		switch {
		case err == nil && rule != nil:
			operatorRule = *rule
		case err != nil && !errors.Is(err, ErrRuleNotFound):
			return domain.FeeBreakdown{}, fmt.Errorf("failed to load operator fee rule: %w", err)
		}
	}

	platformRule := domain.FeeRule{Fixed: decimal.Zero, Percent: decimal.Zero}
	if c.rules != nil {
		rule, err := c.rules.FindPlatformFeeRule(ctx)
		switch {
		case err == nil && rule != nil:
			platformRule = *rule
		case err != nil && !errors.Is(err, ErrRuleNotFound):
			return domain.FeeBreakdown{}, fmt.Errorf("failed to load platform fee rule: %w", err)
		}
	}

	return Compute(operatorRule, platformRule, amount), nil
}
