package output

import (
	"strconv"

	"txindexer/pkg/models"
)

// column 输出列，CSV 与 Postgres 共用同一列序
type column struct {
	name    string
	sqlType string
	value   func(r *models.TxRow) interface{}
}

func optional(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

var columns = []column{
	{"address", "TEXT NOT NULL", func(r *models.TxRow) interface{} { return r.Address }},
	{"tx_hash", "TEXT NOT NULL", func(r *models.TxRow) interface{} { return r.TxHash }},
	{"block", "BIGINT", func(r *models.TxRow) interface{} { return int64(r.Block) }},
	{"timestamp", "BIGINT", func(r *models.TxRow) interface{} { return r.Timestamp }},
	{"date_utc", "TEXT", func(r *models.TxRow) interface{} { return r.DateUTC }},
	{"from", "TEXT", func(r *models.TxRow) interface{} { return r.From }},
	{"to", "TEXT", func(r *models.TxRow) interface{} { return r.To }},
	{"eth_in", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.EthIn }},
	{"eth_out", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.EthOut }},
	{"gas_fee_eth", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.GasFeeEth }},
	{"eth_usd", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.EthUSD) }},
	{"eth_in_usd", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.EthInUSD) }},
	{"eth_out_usd", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.EthOutUSD) }},
	{"gas_fee_usd", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.GasFeeUSD) }},
	{"net_eth", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.NetEth }},
	{"net_usd", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.NetUSD) }},
	{"token_in", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.TokenIn }},
	{"token_out", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.TokenOut }},
	{"trade_type", "TEXT", func(r *models.TxRow) interface{} { return string(r.TradeType) }},
	{"tax_rate", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.TaxRate }},
	{"tax_token_est", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.TaxTokenEst }},
	{"tax_usd_est", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.TaxUSDEst) }},
	{"unit_price_usd", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.UnitPriceUSD) }},
	{"tag_sources", "TEXT", func(r *models.TxRow) interface{} { return r.TagSources }},
	{"price_source", "TEXT", func(r *models.TxRow) interface{} { return r.PriceSource }},
	{"refined", "BOOLEAN", func(r *models.TxRow) interface{} { return r.Refined }},
	{"router_fee_token", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.RouterFeeToken) }},
	{"router_fee_usd", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.RouterFeeUSD) }},
	{"gross_from_pool_token", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return optional(r.GrossFromPoolToken) }},
	{"eth_balance_after", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.EthBalanceAfter }},
	{"token_wallet_after", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.TokenWalletAfter }},
	{"token_staked_after", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.TokenStakedAfter }},
	{"token_owned_after", "DOUBLE PRECISION", func(r *models.TxRow) interface{} { return r.TokenOwnedAfter }},
}

// Header 列名
func Header() []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}
	return names
}

// Record 行转为文本列，空值为空串
func Record(r *models.TxRow) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = formatValue(c.value(r))
	}
	return out
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
