// Package flow 把外部、内部和代币转账记录按交易哈希聚合为ETH流和代币流
package flow

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"txindexer/pkg/models"
)

// StakeTag 质押方向
type StakeTag string

const (
	StakeNone     StakeTag = ""
	StakeDeposit  StakeTag = "stake"
	StakeWithdraw StakeTag = "unstake"
)

const weiDecimals = 18

// Contracts 固定合约地址
type Contracts struct {
	Token            string
	TokenDecimals    int32
	StakingPool      string
	Rewards          string
	NodeRewardSender string
}

// Normalize 地址统一小写
func (c Contracts) Normalize() Contracts {
	c.Token = strings.ToLower(c.Token)
	c.StakingPool = strings.ToLower(c.StakingPool)
	c.Rewards = strings.ToLower(c.Rewards)
	c.NodeRewardSender = strings.ToLower(c.NodeRewardSender)
	return c
}

// EthFlow 单个地址在一笔交易中的ETH汇总。gas只计入该地址作为发送方的外部交易
type EthFlow struct {
	EthIn     decimal.Decimal
	EthOut    decimal.Decimal
	GasEth    decimal.Decimal
	Block     uint64
	Timestamp int64
	From      string
	To        string
	Sources   Tags
}

// TokenFlow 单个地址在一笔交易中固定代币的汇总
type TokenFlow struct {
	TokenIn   decimal.Decimal
	TokenOut  decimal.Decimal
	Froms     Tags
	Tos       Tags
	StakeTag  StakeTag
	Sources   Tags
	Block     uint64
	Timestamp int64
	LastFrom  string
	LastTo    string
}

func newEthFlow() *EthFlow {
	return &EthFlow{Sources: NewTags()}
}

func newTokenFlow() *TokenFlow {
	return &TokenFlow{Froms: NewTags(), Tos: NewTags(), Sources: NewTags()}
}

// HasTokenFlow 是否有非零代币流
func (f *TokenFlow) HasTokenFlow() bool {
	return f.TokenIn.IsPositive() || f.TokenOut.IsPositive()
}

// Pair 一笔交易的ETH流和代币流，缺失的一侧为零值
type Pair struct {
	Hash  string
	Eth   *EthFlow
	Token *TokenFlow
}

// Block 区块号，ETH侧优先
func (p Pair) Block() uint64 {
	if p.Eth.Block != 0 {
		return p.Eth.Block
	}
	return p.Token.Block
}

// Timestamp 时间戳，ETH侧优先
func (p Pair) Timestamp() int64 {
	if p.Eth.Timestamp != 0 {
		return p.Eth.Timestamp
	}
	return p.Token.Timestamp
}

// Sources ETH与代币来源标记的并集
func (p Pair) Sources() Tags {
	return p.Eth.Sources.Union(p.Token.Sources)
}

// Aggregator 流聚合器
type Aggregator struct {
	contracts Contracts
	book      *AddressBook
}

// NewAggregator 创建聚合器，book 为本次运行的自有地址簿
func NewAggregator(contracts Contracts, book *AddressBook) *Aggregator {
	if contracts.TokenDecimals == 0 {
		contracts.TokenDecimals = weiDecimals
	}
	if book == nil {
		book = NewAddressBook()
	}
	return &Aggregator{contracts: contracts.Normalize(), book: book}
}

// Aggregate 按哈希合并两类流，结果按哈希排序
func (a *Aggregator) Aggregate(address string, normal []models.NormalTx, internal []models.InternalTx, tokens []models.TokenTx) []Pair {
	address = strings.ToLower(address)
	eth := a.EthFlows(address, normal, internal)
	tok := a.TokenFlows(address, tokens)

	hashes := make([]string, 0, len(eth)+len(tok))
	for h := range eth {
		hashes = append(hashes, h)
	}
	for h := range tok {
		if _, ok := eth[h]; !ok {
			hashes = append(hashes, h)
		}
	}
	sort.Strings(hashes)

	pairs := make([]Pair, 0, len(hashes))
	for _, h := range hashes {
		p := Pair{Hash: h, Eth: eth[h], Token: tok[h]}
		if p.Eth == nil {
			p.Eth = newEthFlow()
		}
		if p.Token == nil {
			p.Token = newTokenFlow()
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// tagInternal 对手方是自有地址（且不是自身）时打内部标记
func (a *Aggregator) tagInternal(tags Tags, address, from, to string) {
	if from == address && to != address && a.book.Contains(to) {
		tags.Add(TagInternalOut, TagInternal)
	}
	if to == address && from != address && a.book.Contains(from) {
		tags.Add(TagInternalIn, TagInternal)
	}
}

// EthFlows 外部和内部交易的ETH流
func (a *Aggregator) EthFlows(address string, normal []models.NormalTx, internal []models.InternalTx) map[string]*EthFlow {
	address = strings.ToLower(address)
	flows := make(map[string]*EthFlow)

	get := func(hash string, block uint64, ts int64, from, to string) *EthFlow {
		e, ok := flows[hash]
		if !ok {
			e = newEthFlow()
			e.Block, e.Timestamp, e.From, e.To = block, ts, from, to
			flows[hash] = e
		}
		if e.Timestamp == 0 {
			e.Timestamp = ts
		}
		if e.Block == 0 {
			e.Block = block
		}
		if e.From == "" {
			e.From = from
		}
		if e.To == "" {
			e.To = to
		}
		return e
	}

	for i := range normal {
		t := &normal[i]
		hash := strings.ToLower(t.Hash)
		if hash == "" {
			continue
		}
		from, to := strings.ToLower(t.From), strings.ToLower(t.To)
		e := get(hash, t.Block(), t.Time(), from, to)
		value := scaled(t.Value, weiDecimals)

		switch {
		case from == address:
			e.EthOut = e.EthOut.Add(value)
			e.GasEth = e.GasEth.Add(gasCost(t))
		case to == address:
			e.EthIn = e.EthIn.Add(value)
		}
		a.tagInternal(e.Sources, address, from, to)
	}

	for i := range internal {
		t := &internal[i]
		hash := strings.ToLower(t.Hash)
		if hash == "" {
			continue
		}
		from, to := strings.ToLower(t.From), strings.ToLower(t.To)
		e := get(hash, t.Block(), t.Time(), from, to)
		value := scaled(t.Value, weiDecimals)

		switch {
		case to == address:
			e.EthIn = e.EthIn.Add(value)
		case from == address:
			e.EthOut = e.EthOut.Add(value)
		}
		a.tagInternal(e.Sources, address, from, to)
	}
	return flows
}

// TokenFlows 固定代币合约的转账流，其它合约的记录忽略
func (a *Aggregator) TokenFlows(address string, tokens []models.TokenTx) map[string]*TokenFlow {
	address = strings.ToLower(address)
	c := a.contracts
	flows := make(map[string]*TokenFlow)

	for i := range tokens {
		t := &tokens[i]
		if strings.ToLower(t.ContractAddress) != c.Token {
			continue
		}
		hash := strings.ToLower(t.Hash)
		if hash == "" {
			continue
		}
		from, to := strings.ToLower(t.From), strings.ToLower(t.To)
		amount := scaled(t.Value, c.TokenDecimals)

		e, ok := flows[hash]
		if !ok {
			e = newTokenFlow()
			e.Block, e.Timestamp = t.Block(), t.Time()
			flows[hash] = e
		}

		if to == address {
			e.TokenIn = e.TokenIn.Add(amount)
			e.Sources.Add(TagIncomingExternal)
		}
		if from == address {
			e.TokenOut = e.TokenOut.Add(amount)
			e.Sources.Add(TagSelfOut)
		}

		if to == c.StakingPool && from == address {
			e.StakeTag = StakeDeposit
		}
		if from == c.StakingPool && to == address {
			e.StakeTag = StakeWithdraw
		}
		if from == c.Rewards && to == address {
			e.Sources.Add(TagStakingReward)
		}
		if from == c.NodeRewardSender && to == address {
			e.Sources.Add(TagNodeReward)
		}
		a.tagInternal(e.Sources, address, from, to)

		e.Froms.Add(from)
		e.Tos.Add(to)
		e.LastFrom, e.LastTo = from, to
		if e.Timestamp == 0 {
			e.Timestamp = t.Time()
		}
		if e.Block == 0 {
			e.Block = t.Block()
		}
	}
	return flows
}

// gasCost gasUsed（缺失时用gas上限）乘以gasPrice，单位ETH
func gasCost(t *models.NormalTx) decimal.Decimal {
	used := t.GasUsed
	if strings.TrimSpace(used) == "" {
		used = t.Gas
	}
	gasUsed, err1 := decimal.NewFromString(strings.TrimSpace(used))
	gasPrice, err2 := decimal.NewFromString(strings.TrimSpace(t.GasPrice))
	if err1 != nil || err2 != nil {
		return decimal.Zero
	}
	return gasUsed.Mul(gasPrice).Shift(-weiDecimals)
}

// scaled 把整数字符串按小数位数缩放，无法解析时为0
func scaled(raw string, decimals int32) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return v.Shift(-decimals)
}
