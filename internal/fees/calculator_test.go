package fees

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/transfer-orchestrator/internal/domain"
)

type ruleSourceStub struct {
	operator    *domain.FeeRule
	operatorErr error
	platform    *domain.FeeRule
	platformErr error
	calls       int
}

func (s *ruleSourceStub) FindOperatorFeeRule(ctx context.Context, senderOperatorID, receiverOperatorID uuid.UUID) (*domain.FeeRule, error) {
	s.calls++
	if s.operatorErr != nil {
		return nil, s.operatorErr
	}
	if s.operator == nil {
		return nil, ErrRuleNotFound
	}
	return s.operator, nil
}

func (s *ruleSourceStub) FindPlatformFeeRule(ctx context.Context) (*domain.FeeRule, error) {
	if s.platformErr != nil {
		return nil, s.platformErr
	}
	if s.platform == nil {
		return nil, ErrRuleNotFound
	}
	return s.platform, nil
}

func rule(fixed, percent string) domain.FeeRule {
	return domain.FeeRule{Fixed: decimal.RequireFromString(fixed), Percent: decimal.RequireFromString(percent)}
}

func TestCompute_SumsOperatorAndPlatformRules(t *testing.T) {
	breakdown := Compute(rule("25", "1.5"), rule("10", "0.5"), decimal.NewFromInt(2000))

	assert.Equal(t, "55", breakdown.OperatorFee.String())
	assert.Equal(t, "20", breakdown.PlatformFee.String())
	assert.Equal(t, "75", breakdown.Total.String())
	assert.Equal(t, "2075", breakdown.TotalDebited.String())
}

func TestCompute_RoundsEachComponentToTwoDecimals(t *testing.T) {
	breakdown := Compute(rule("0", "1"), rule("0", "0.333"), decimal.RequireFromString("1234.56"))

	assert.Equal(t, "12.35", breakdown.OperatorFee.StringFixed(2))
	assert.Equal(t, "4.11", breakdown.PlatformFee.StringFixed(2))
	assert.True(t, breakdown.Total.Equal(breakdown.OperatorFee.Add(breakdown.PlatformFee)))
}

func TestCompute_IsDeterministic(t *testing.T) {
	amounts := []string{"1", "999.99", "1000", "250000", "0.01"}
	for _, raw := range amounts {
		amount := decimal.RequireFromString(raw)
		first := Compute(rule("5", "1.25"), rule("0", "0.5"), amount)
		second := Compute(rule("5", "1.25"), rule("0", "0.5"), amount)
		require.True(t, first.Total.Equal(second.Total), "amount %s", raw)
		require.True(t, first.TotalDebited.Equal(amount.Add(first.Total)), "amount %s", raw)
	}
}

func TestCalculator_FallsBackToDefaultPercent(t *testing.T) {
	calc := NewCalculator(&ruleSourceStub{}, decimal.NewFromInt(1))

	breakdown, err := calc.Calculate(context.Background(), uuid.New(), uuid.New(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "10", breakdown.Total.String())
	assert.Equal(t, "1010", breakdown.TotalDebited.String())
}

func TestCalculator_UsesStoredRules(t *testing.T) {
	operator := rule("50", "0")
	platform := rule("0", "2")
	calc := NewCalculator(&ruleSourceStub{operator: &operator, platform: &platform}, decimal.NewFromInt(1))

	breakdown, err := calc.Calculate(context.Background(), uuid.New(), uuid.New(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "50", breakdown.OperatorFee.String())
	assert.Equal(t, "20", breakdown.PlatformFee.String())
}

func TestCalculator_RejectsNonPositiveAmount(t *testing.T) {
	source := &ruleSourceStub{}
	calc := NewCalculator(source, decimal.NewFromInt(1))

	_, err := calc.Calculate(context.Background(), uuid.New(), uuid.New(), decimal.Zero)
	require.Error(t, err)
	assert.Zero(t, source.calls)
}

func TestCalculator_PropagatesStoreFailures(t *testing.T) {
	calc := NewCalculator(&ruleSourceStub{operatorErr: errors.New("connection reset")}, decimal.NewFromInt(1))

	_, err := calc.Calculate(context.Background(), uuid.New(), uuid.New(), decimal.NewFromInt(1000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
