package validation

import (
	"io"
	"strings"
	"testing"

	"txindexer/internal/ledger"
	"txindexer/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "0x1111111111111111111111111111111111111111"
	addrB = "0x2222222222222222222222222222222222222222"
)

var txHash = "0x" + strings.Repeat("ab", 32)

func newTestValidator(strict bool) *Validator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewValidator(logger, strict)
}

func TestNewValidator(t *testing.T) {
	validator := newTestValidator(true)

	assert.NotNil(t, validator)
	assert.True(t, validator.strictMode)
	assert.Equal(t, 3, len(validator.rules))
}

func TestFilterAddresses(t *testing.T) {
	validator := newTestValidator(false)

	valid, rejected := validator.FilterAddresses([]string{
		"  " + strings.ToUpper(addrA[2:]),
		"0x" + strings.ToUpper(addrA[2:]),
		addrA,
		"",
		"not-an-address",
		addrB,
		"0x123",
	})

	assert.Equal(t, []string{addrA, addrB}, valid)
	assert.Len(t, rejected, 3)
	assert.Contains(t, rejected, "not-an-address")
	assert.Contains(t, rejected, "0x123")
}

func validRow() *models.TxRow {
	return &models.TxRow{
		Address:          addrA,
		TxHash:           txHash,
		TradeType:        models.TradeBuy,
		PriceSource:      "coingecko",
		TokenWalletAfter: 90,
		TokenStakedAfter: 10,
		TokenOwnedAfter:  100,
	}
}

func TestValidateRow(t *testing.T) {
	validator := newTestValidator(false)

	tests := []struct {
		name   string
		mutate func(r *models.TxRow)
		valid  bool
		code   string
	}{
		{"有效行", func(r *models.TxRow) {}, true, ""},
		{"无效哈希", func(r *models.TxRow) { r.TxHash = "0xabc" }, false, "INVALID_HASH_FORMAT"},
		{"未知类别", func(r *models.TxRow) { r.TradeType = "swap" }, false, "UNKNOWN_TRADE_TYPE"},
		{"持有量不一致", func(r *models.TxRow) { r.TokenOwnedAfter = 99 }, false, "OWNED_MISMATCH"},
		{"负数金额", func(r *models.TxRow) { r.EthIn = -1 }, false, "NEGATIVE_AMOUNT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			tt.mutate(row)
			result := validator.ValidateRow(row)
			assert.Equal(t, tt.valid, result.Valid)
			if tt.code != "" {
				require.NotEmpty(t, result.Errors)
				assert.Equal(t, tt.code, result.Errors[0].Code)
				require.NotNil(t, result.Errors[0].TxHash)
				assert.Equal(t, row.TxHash, *result.Errors[0].TxHash)
			}
		})
	}

	assert.False(t, validator.ValidateRow(nil).Valid)
}

func TestValidateRow_StrictWarnings(t *testing.T) {
	usd := 1.0
	row := validRow()
	row.PriceSource = models.PriceSourceUnavailable
	row.EthUSD = &usd

	lenient := newTestValidator(false).ValidateRow(row)
	assert.True(t, lenient.Valid)
	assert.NotEmpty(t, lenient.Warnings)

	strict := newTestValidator(true).ValidateRow(row)
	assert.False(t, strict.Valid)
}

func bal(wallet, staked, owned string) ledger.Balances {
	return ledger.Balances{
		Wallet: decimal.RequireFromString(wallet),
		Staked: decimal.RequireFromString(staked),
		Owned:  decimal.RequireFromString(owned),
	}
}

func TestValidateLedger(t *testing.T) {
	validator := newTestValidator(false)

	ok := []ledger.Step{
		{Entry: ledger.Entry{Address: addrA, Type: models.TradeBuy}, After: bal("100", "0", "100")},
		{Entry: ledger.Entry{Address: addrA, Type: models.TradeStake}, After: bal("60", "40", "100")},
		{Entry: ledger.Entry{Address: addrA, Type: models.TradeUnstake}, After: bal("100", "0", "100")},
	}
	assert.True(t, validator.ValidateLedger(ok).Valid)

	bad := []ledger.Step{
		{Entry: ledger.Entry{Address: addrA, Type: models.TradeBuy}, After: bal("100", "0", "100")},
		{Entry: ledger.Entry{Address: addrA, TxHash: "0xs", Type: models.TradeStake}, After: bal("60", "30", "90")},
	}
	result := validator.ValidateLedger(bad)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "STAKE_CHANGED_OWNED", result.Errors[0].Code)

	mismatch := []ledger.Step{
		{Entry: ledger.Entry{Address: addrB, Type: models.TradeBuy}, After: bal("100", "5", "100")},
	}
	result = validator.ValidateLedger(mismatch)
	assert.False(t, result.Valid)
	assert.Equal(t, "OWNED_MISMATCH", result.Errors[0].Code)

	stats := validator.GetValidationStats()
	assert.Equal(t, 3, stats["registered_rules"])
}

func TestValidateLedger_ReplayedSubMicroAmounts(t *testing.T) {
	validator := newTestValidator(false)
	entry := func(hash string, block uint64, typ models.TradeType, in, out string) ledger.Entry {
		return ledger.Entry{
			Address: addrA, TxHash: hash, Block: block, Timestamp: int64(block), Type: typ,
			TokenIn: decimal.RequireFromString(in), TokenOut: decimal.RequireFromString(out),
		}
	}

	steps, err := ledger.Replay([]ledger.Entry{
		entry("0x1", 1, models.TradeStakingReward, "1.0000007", "0"),
		entry("0x2", 2, models.TradeStake, "0", "0.0000004"),
	})
	require.NoError(t, err)
	assert.True(t, validator.ValidateLedger(steps).Valid)
}
