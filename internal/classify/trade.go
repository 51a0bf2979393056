package classify

import (
	"github.com/shopspring/decimal"

	"txindexer/internal/flow"
	"txindexer/internal/refine"
	"txindexer/pkg/models"
)

// Trade 分类后的交易，各类别携带各自的字段，只在输出边界展平为统一行
type Trade interface {
	Kind() models.TradeType
	Rate() decimal.Decimal
	TaxToken() decimal.Decimal
}

// Buy 花ETH买入代币
type Buy struct {
	Received    decimal.Decimal
	TaxEstimate decimal.Decimal

	Refined       bool
	ActualTax     decimal.Decimal
	RouterFee     decimal.Decimal
	GrossFromPool decimal.Decimal
}

func (Buy) Kind() models.TradeType { return models.TradeBuy }
func (Buy) Rate() decimal.Decimal  { return TaxRate }

// TaxToken 精修成功时为日志中的实际税额
func (b Buy) TaxToken() decimal.Decimal {
	if b.Refined {
		return b.ActualTax
	}
	return b.TaxEstimate
}

// Gross 池子送出的总量：精修值或到账量加估算税
func (b Buy) Gross() decimal.Decimal {
	if b.Refined {
		return b.GrossFromPool
	}
	return b.Received.Add(b.TaxEstimate)
}

// WithRefinement 用日志结果覆盖估算
func (b Buy) WithRefinement(r refine.Refinement) Buy {
	b.Refined = true
	b.ActualTax = r.ActualTax
	b.RouterFee = r.RouterFee
	b.GrossFromPool = r.GrossFromPool
	return b
}

// Sell 卖出代币换ETH
type Sell struct {
	Sent        decimal.Decimal
	TaxEstimate decimal.Decimal
}

func (Sell) Kind() models.TradeType      { return models.TradeSell }
func (Sell) Rate() decimal.Decimal       { return TaxRate }
func (s Sell) TaxToken() decimal.Decimal { return s.TaxEstimate }

// Stake 钱包转入质押池
type Stake struct {
	Amount decimal.Decimal
}

func (Stake) Kind() models.TradeType    { return models.TradeStake }
func (Stake) Rate() decimal.Decimal     { return decimal.Zero }
func (Stake) TaxToken() decimal.Decimal { return decimal.Zero }

// Unstake 质押池转回钱包
type Unstake struct {
	Amount decimal.Decimal
}

func (Unstake) Kind() models.TradeType    { return models.TradeUnstake }
func (Unstake) Rate() decimal.Decimal     { return decimal.Zero }
func (Unstake) TaxToken() decimal.Decimal { return decimal.Zero }

// Reward 质押奖励或节点奖励
type Reward struct {
	Type   models.TradeType
	Amount decimal.Decimal
}

func (r Reward) Kind() models.TradeType  { return r.Type }
func (Reward) Rate() decimal.Decimal     { return decimal.Zero }
func (Reward) TaxToken() decimal.Decimal { return decimal.Zero }

// InternalTransfer 自有地址之间的代币转移
type InternalTransfer struct{}

func (InternalTransfer) Kind() models.TradeType    { return models.TradeInternalTransfer }
func (InternalTransfer) Rate() decimal.Decimal     { return decimal.Zero }
func (InternalTransfer) TaxToken() decimal.Decimal { return decimal.Zero }

// Movement 其余类别：空投、普通转账、纯ETH转账、未知
type Movement struct {
	Type models.TradeType
}

func (m Movement) Kind() models.TradeType  { return m.Type }
func (Movement) Rate() decimal.Decimal     { return decimal.Zero }
func (Movement) TaxToken() decimal.Decimal { return decimal.Zero }

// NewTrade 分类并构造对应类别
func NewTrade(eth *flow.EthFlow, tok *flow.TokenFlow) Trade {
	res := Classify(eth, tok)
	switch res.Type {
	case models.TradeBuy:
		return Buy{Received: tok.TokenIn, TaxEstimate: res.TaxToken}
	case models.TradeSell:
		return Sell{Sent: tok.TokenOut, TaxEstimate: res.TaxToken}
	case models.TradeStake:
		return Stake{Amount: tok.TokenOut.Sub(tok.TokenIn)}
	case models.TradeUnstake:
		return Unstake{Amount: tok.TokenIn.Sub(tok.TokenOut)}
	case models.TradeStakingReward, models.TradeNodeReward:
		return Reward{Type: res.Type, Amount: tok.TokenIn}
	case models.TradeInternalTransfer:
		return InternalTransfer{}
	default:
		return Movement{Type: res.Type}
	}
}
