package models

// TradeType 交易类别
type TradeType string

const (
	TradeStake            TradeType = "stake"
	TradeUnstake          TradeType = "unstake"
	TradeStakingReward    TradeType = "staking_reward"
	TradeNodeReward       TradeType = "node_reward"
	TradeInternalTransfer TradeType = "internal_transfer"
	TradeBuy              TradeType = "buy"
	TradeSell             TradeType = "sell"
	TradeAirdropOrOther   TradeType = "airdrop_or_other"
	TradeTransfer         TradeType = "transfer"
	TradeEthTransfer      TradeType = "eth_transfer"
	TradeUnknown          TradeType = "unknown"
)

// AllTradeTypes 按分类优先级排列的全部类别
var AllTradeTypes = []TradeType{
	TradeStake, TradeUnstake, TradeStakingReward, TradeNodeReward, TradeInternalTransfer,
	TradeBuy, TradeSell, TradeAirdropOrOther, TradeTransfer, TradeEthTransfer, TradeUnknown,
}

// IsKnownTradeType 是否为已知类别
func IsKnownTradeType(t TradeType) bool {
	for _, known := range AllTradeTypes {
		if known == t {
			return true
		}
	}
	return false
}

// PriceSourceUnavailable 价格不可用时的来源标记
const PriceSourceUnavailable = "unavailable"

// TxRow 每个(地址, 交易哈希)一行的最终输出。USD字段为nil表示不可计算
type TxRow struct {
	Address   string `json:"address"`
	TxHash    string `json:"tx_hash"`
	Block     uint64 `json:"block"`
	Timestamp int64  `json:"timestamp"`
	DateUTC   string `json:"date_utc"`
	From      string `json:"from"`
	To        string `json:"to"`

	EthIn     float64  `json:"eth_in"`
	EthOut    float64  `json:"eth_out"`
	GasFeeEth float64  `json:"gas_fee_eth"`
	EthUSD    *float64 `json:"eth_usd"`
	EthInUSD  *float64 `json:"eth_in_usd"`
	EthOutUSD *float64 `json:"eth_out_usd"`
	GasFeeUSD *float64 `json:"gas_fee_usd"`
	NetEth    float64  `json:"net_eth"`
	NetUSD    *float64 `json:"net_usd"`

	TokenIn      float64   `json:"token_in"`
	TokenOut     float64   `json:"token_out"`
	TradeType    TradeType `json:"trade_type"`
	TaxRate      float64   `json:"tax_rate"`
	TaxTokenEst  float64   `json:"tax_token_est"`
	TaxUSDEst    *float64  `json:"tax_usd_est"`
	UnitPriceUSD *float64  `json:"unit_price_usd"`
	TagSources   string    `json:"tag_sources"`
	PriceSource  string    `json:"price_source"`

	Refined            bool     `json:"refined"`
	RouterFeeToken     *float64 `json:"router_fee_token,omitempty"`
	RouterFeeUSD       *float64 `json:"router_fee_usd,omitempty"`
	GrossFromPoolToken *float64 `json:"gross_from_pool_token,omitempty"`

	EthBalanceAfter  float64 `json:"eth_balance_after"`
	TokenWalletAfter float64 `json:"token_wallet_after"`
	TokenStakedAfter float64 `json:"token_staked_after"`
	TokenOwnedAfter  float64 `json:"token_owned_after"`
}

// PriceAvailable 价格是否可用
func (r *TxRow) PriceAvailable() bool {
	return r.PriceSource != PriceSourceUnavailable
}
