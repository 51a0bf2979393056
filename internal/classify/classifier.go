// Package classify 根据ETH流和代币流的形态判断交易类别
package classify

import (
	"github.com/shopspring/decimal"

	"txindexer/internal/flow"
	"txindexer/pkg/models"
)

// 固定5%代币税的首轮估算参数
var (
	TaxRate      = decimal.RequireFromString("0.05")
	netOfTaxRate = decimal.RequireFromString("0.95")
)

// Result 分类结果
type Result struct {
	Type     models.TradeType
	TaxToken decimal.Decimal
	TaxRate  decimal.Decimal
}

func untaxed(t models.TradeType) Result {
	return Result{Type: t, TaxToken: decimal.Zero, TaxRate: decimal.Zero}
}

// Classify 按固定优先级匹配，先匹配者胜出
func Classify(eth *flow.EthFlow, tok *flow.TokenFlow) Result {
	sources := eth.Sources.Union(tok.Sources)
	ethNull := eth.EthIn.IsZero() && eth.EthOut.IsZero()
	tokenIn, tokenOut := tok.TokenIn, tok.TokenOut

	switch {
	case tok.StakeTag == flow.StakeDeposit:
		return untaxed(models.TradeStake)
	case tok.StakeTag == flow.StakeWithdraw:
		return untaxed(models.TradeUnstake)
	case sources.Has(flow.TagStakingReward) && tokenIn.IsPositive() && ethNull:
		return untaxed(models.TradeStakingReward)
	case sources.Has(flow.TagNodeReward) && tokenIn.IsPositive() && ethNull:
		return untaxed(models.TradeNodeReward)
	case (sources.Has(flow.TagInternalIn) || sources.Has(flow.TagInternalOut)) && (tokenIn.IsPositive() || tokenOut.IsPositive()):
		return untaxed(models.TradeInternalTransfer)
	case tokenIn.IsPositive() && eth.EthOut.IsPositive() && eth.EthIn.IsZero():
		// 到账为扣税后的95%
		return Result{Type: models.TradeBuy, TaxToken: tokenIn.Mul(TaxRate).Div(netOfTaxRate), TaxRate: TaxRate}
	case tokenOut.IsPositive() && eth.EthIn.IsPositive() && eth.EthOut.IsZero():
		return Result{Type: models.TradeSell, TaxToken: tokenOut.Mul(TaxRate), TaxRate: TaxRate}
	case tokenIn.IsPositive() && ethNull && sources.Has(flow.TagIncomingExternal):
		return untaxed(models.TradeAirdropOrOther)
	case tokenIn.IsPositive() || tokenOut.IsPositive():
		return untaxed(models.TradeTransfer)
	case !ethNull:
		return untaxed(models.TradeEthTransfer)
	default:
		return untaxed(models.TradeUnknown)
	}
}
