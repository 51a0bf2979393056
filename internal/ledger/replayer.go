// Package ledger 按时间顺序重放分类后的交易，生成逐行余额
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"txindexer/pkg/models"
)

// BalancePlaces 输出余额的小数位，不低于代币数量精度
const BalancePlaces = 8

// ErrOutOfOrder 条目早于已应用的最后一条
var ErrOutOfOrder = errors.New("账本条目乱序")

// Entry 重放输入。Ref 由调用方使用，重放不读取
type Entry struct {
	Ref       int
	Address   string
	TxHash    string
	Block     uint64
	Timestamp int64
	Type      models.TradeType
	EthIn     decimal.Decimal
	EthOut    decimal.Decimal
	GasEth    decimal.Decimal
	TokenIn   decimal.Decimal
	TokenOut  decimal.Decimal
}

// key 排序键
type key struct {
	block uint64
	ts    int64
	hash  string
}

func (k key) less(o key) bool {
	if k.block != o.block {
		return k.block < o.block
	}
	if k.ts != o.ts {
		return k.ts < o.ts
	}
	return k.hash < o.hash
}

func (e *Entry) key() key {
	return key{block: e.Block, ts: e.Timestamp, hash: e.TxHash}
}

// Balances 应用某行后的余额，Owned 恒等于 Wallet + Staked
type Balances struct {
	Eth    decimal.Decimal
	Wallet decimal.Decimal
	Staked decimal.Decimal
	Owned  decimal.Decimal
}

// State 单个地址的运行余额
type State struct {
	eth     decimal.Decimal
	wallet  decimal.Decimal
	staked  decimal.Decimal
	last    key
	applied bool
}

// Apply 应用一条，必须按 (区块, 时间戳, 哈希) 升序
func (s *State) Apply(e Entry) (Balances, error) {
	k := e.key()
	if s.applied && k.less(s.last) {
		return Balances{}, fmt.Errorf("%w: %s 在 %s 之前", ErrOutOfOrder, e.TxHash, s.last.hash)
	}
	s.last, s.applied = k, true

	s.eth = s.eth.Add(e.EthIn).Sub(e.EthOut).Sub(e.GasEth)

	delta := e.TokenIn.Sub(e.TokenOut)
	switch e.Type {
	case models.TradeStake, models.TradeUnstake:
		// 钱包与质押之间移动，持有总量不变
		s.wallet = s.wallet.Add(delta)
		s.staked = s.staked.Sub(delta)
	default:
		s.wallet = s.wallet.Add(delta)
	}
	return s.Balances(), nil
}

// Balances 当前余额，不取整。取整只在输出时进行
func (s *State) Balances() Balances {
	return Balances{
		Eth:    s.eth,
		Wallet: s.wallet,
		Staked: s.staked,
		Owned:  s.wallet.Add(s.staked),
	}
}

// Step 重放输出
type Step struct {
	Entry Entry
	After Balances
}

// SortEntries 按 (地址, 区块, 时间戳, 哈希) 稳定排序
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := &entries[i], &entries[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return a.key().less(b.key())
	})
}

// Replay 从零状态重放，不修改入参
func Replay(entries []Entry) ([]Step, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	SortEntries(sorted)

	states := make(map[string]*State)
	steps := make([]Step, 0, len(sorted))
	for _, e := range sorted {
		st, ok := states[e.Address]
		if !ok {
			st = &State{}
			states[e.Address] = st
		}
		after, err := st.Apply(e)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Entry: e, After: after})
	}
	return steps, nil
}
