// Package pnl 基于已重放行的平均成本法盈亏汇总
package pnl

import (
	"sort"

	"github.com/shopspring/decimal"

	"txindexer/pkg/models"
)

// Summary 盈亏汇总
type Summary struct {
	EndingTokens     float64 `json:"ending_tokens"`
	AvgCostUSD       float64 `json:"avg_cost_usd"`
	MarketValueUSD   float64 `json:"market_value_usd"`
	RealizedPnLUSD   float64 `json:"realized_pnl_usd"`
	UnrealizedPnLUSD float64 `json:"unrealized_pnl_usd"`
	FeesUSDTotal     float64 `json:"fees_usd_total"`
	TaxUSDTotal      float64 `json:"tax_usd_total"`
}

// position 平均成本持仓
type position struct {
	tokens   decimal.Decimal
	basis    decimal.Decimal
	realized decimal.Decimal
	fees     decimal.Decimal
	taxes    decimal.Decimal
	last     *decimal.Decimal
}

func orZero(v *float64) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*v)
}

// Summarize 按 (区块, 时间戳, 哈希) 顺序计算。买入税计入成本，卖出税从已实现盈亏中扣除，gas单独累计
func Summarize(rows []models.TxRow) Summary {
	sorted := make([]models.TxRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		if a.Block != b.Block {
			return a.Block < b.Block
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.TxHash < b.TxHash
	})

	var p position
	latestOwned := make(map[string]decimal.Decimal)
	for i := range sorted {
		r := &sorted[i]
		if r.Address != "" {
			latestOwned[r.Address] = decimal.NewFromFloat(r.TokenOwnedAfter)
		}
		p.fees = p.fees.Add(orZero(r.GasFeeUSD))
		p.apply(r)
	}

	ending := p.tokens
	if len(latestOwned) > 0 {
		ending = decimal.Zero
		for _, owned := range latestOwned {
			ending = ending.Add(owned)
		}
	}

	avg := decimal.Zero
	if ending.IsPositive() {
		avg = p.basis.Div(ending)
	}
	market := decimal.Zero
	if p.last != nil {
		market = ending.Mul(*p.last)
	}

	f := func(d decimal.Decimal, places int32) float64 {
		v, _ := d.Round(places).Float64()
		return v
	}
	return Summary{
		EndingTokens:     f(ending, 6),
		AvgCostUSD:       f(avg, 6),
		MarketValueUSD:   f(market, 2),
		RealizedPnLUSD:   f(p.realized, 2),
		UnrealizedPnLUSD: f(market.Sub(p.basis), 2),
		FeesUSDTotal:     f(p.fees, 2),
		TaxUSDTotal:      f(p.taxes, 2),
	}
}

func (p *position) apply(r *models.TxRow) {
	delta := decimal.NewFromFloat(r.TokenIn).Sub(decimal.NewFromFloat(r.TokenOut))
	tax := orZero(r.TaxUSDEst)
	if r.UnitPriceUSD != nil {
		up := decimal.NewFromFloat(*r.UnitPriceUSD)
		p.last = &up
	}

	switch r.TradeType {
	case models.TradeBuy:
		if !delta.IsPositive() {
			return
		}
		p.tokens = p.tokens.Add(delta)
		p.basis = p.basis.Add(orZero(r.EthOutUSD)).Add(tax)
		p.taxes = p.taxes.Add(tax)
	case models.TradeSell:
		if !delta.IsNegative() {
			return
		}
		qty := decimal.Min(delta.Neg(), p.tokens)
		avg := decimal.Zero
		if p.tokens.IsPositive() {
			avg = p.basis.Div(p.tokens)
		}
		cost := qty.Mul(avg)
		p.realized = p.realized.Add(orZero(r.EthInUSD).Sub(cost).Sub(tax))
		p.taxes = p.taxes.Add(tax)
		p.tokens = p.tokens.Sub(qty)
		p.basis = p.basis.Sub(cost)
	case models.TradeStake, models.TradeUnstake:
		// 钱包与质押之间移动
	case models.TradeInternalTransfer, models.TradeTransfer:
		// 自有地址间移动，期末数量来自运行余额
	default:
		// 奖励与空投为零成本
		p.tokens = p.tokens.Add(delta)
	}
}
