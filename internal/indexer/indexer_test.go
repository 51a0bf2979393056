package indexer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txindexer/internal/chaindata"
	"txindexer/internal/errors"
	"txindexer/internal/flow"
	"txindexer/internal/price"
	"txindexer/internal/progress"
	"txindexer/internal/refine"
	"txindexer/pkg/models"
)

const (
	addrA   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	router  = "0x3333333333333333333333333333333333333333"
	token   = "0x8e0eef788350f40255d86dfe8d91ec0ad3a4547f"
	pool    = "0x634daeecf243c844263d206e1dcf68f310e6bb19"
	rewards = "0x6876e661ae0f740c9132b7b8f26f7d245cfc62c1"
	node    = "0xd0b2a999de3302a74a8ac9c9c8bd7e37a984eb01"
)

var contracts = flow.Contracts{
	Token: token, TokenDecimals: 18, StakingPool: pool, Rewards: rewards, NodeRewardSender: node,
}

func hash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func wei(tokens string) string {
	return decimal.RequireFromString(tokens).Shift(18).String()
}

type fakeChain struct {
	mu       sync.Mutex
	normal   map[string][]models.NormalTx
	internal map[string][]models.InternalTx
	tokens   map[string][]models.TokenTx
	failing  map[string]error
	blocks   map[chaindata.Closest]uint64
	ranges   []string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		normal:   make(map[string][]models.NormalTx),
		internal: make(map[string][]models.InternalTx),
		tokens:   make(map[string][]models.TokenTx),
		failing:  make(map[string]error),
		blocks:   make(map[chaindata.Closest]uint64),
	}
}

func (f *fakeChain) BlockAtTime(ctx context.Context, ts int64, closest chaindata.Closest) (uint64, error) {
	return f.blocks[closest], nil
}

func (f *fakeChain) NormalTxs(ctx context.Context, address string, from, to uint64) ([]models.NormalTx, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, fmt.Sprintf("%s:%d-%d", address, from, to))
	f.mu.Unlock()
	if err := f.failing[address]; err != nil {
		return nil, err
	}
	return f.normal[address], nil
}

func (f *fakeChain) InternalTxs(ctx context.Context, address string, from, to uint64) ([]models.InternalTx, error) {
	return f.internal[address], nil
}

func (f *fakeChain) TokenTxs(ctx context.Context, address, contract string, from, to uint64) ([]models.TokenTx, error) {
	if contract != token {
		return nil, fmt.Errorf("unexpected contract %s", contract)
	}
	return f.tokens[address], nil
}

func (f *fakeChain) Logs(ctx context.Context, from, to uint64, contract, topic0 string) ([]models.EventLog, error) {
	return nil, nil
}

type fakePrices struct {
	byTs    map[int64]string
	err     error
	mu      sync.Mutex
	lookups []int64
}

func (f *fakePrices) QuoteAt(ctx context.Context, ts int64, currency string) (price.Quote, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, ts)
	f.mu.Unlock()
	if f.err != nil {
		return price.Quote{}, f.err
	}
	px, ok := f.byTs[ts]
	if !ok {
		px = "2000"
	}
	return price.Quote{Price: decimal.RequireFromString(px), Source: price.SourcePrimary, Bucket: price.Bucket(ts), Currency: currency}, nil
}

type fakeRefiner map[string]refine.Refinement

func (f fakeRefiner) Refine(ctx context.Context, address, txHash string, block uint64) (refine.Refinement, bool) {
	r, ok := f[txHash]
	return r, ok
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestIndexer(chain *fakeChain, prices price.Source, refiner Refiner) *Indexer {
	return New(Config{Contracts: contracts, Workers: 2, MaxRPS: 2}, chain, prices, refiner, nil, quietLogger())
}

func tokenTx(h string, block int, from, to, amount string) models.TokenTx {
	return models.TokenTx{
		Hash: h, BlockNumber: fmt.Sprint(block), TimeStamp: fmt.Sprint(1700000000 + block),
		From: from, To: to, Value: wei(amount), ContractAddress: token, TokenDecimal: "18",
	}
}

func normalTx(h string, block int, from, to, eth, gasUsed, gasPrice string) models.NormalTx {
	return models.NormalTx{
		Hash: h, BlockNumber: fmt.Sprint(block), TimeStamp: fmt.Sprint(1700000000 + block),
		From: from, To: to, Value: wei(eth), GasUsed: gasUsed, GasPrice: gasPrice, IsError: "0",
	}
}

func TestRun_StakingReward(t *testing.T) {
	chain := newFakeChain()
	chain.tokens[addrA] = []models.TokenTx{tokenTx(hash(1), 20800010, rewards, addrA, "100")}

	report, err := newTestIndexer(chain, &fakePrices{}, nil).Run(context.Background(), Request{Addresses: []string{addrA}})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)

	row := report.Rows[0]
	assert.Equal(t, models.TradeStakingReward, row.TradeType)
	assert.Equal(t, 0.0, row.TaxTokenEst)
	assert.Equal(t, 0.0, row.TaxRate)
	assert.Equal(t, 100.0, row.TokenWalletAfter)
	assert.Equal(t, 0.0, row.TokenStakedAfter)
	assert.Equal(t, 100.0, row.TokenOwnedAfter)
	assert.Contains(t, row.TagSources, flow.TagStakingReward)
	assert.Equal(t, uint64(20800010), report.EffectiveStartBlock)
}

func TestRun_InternalEthTransfer(t *testing.T) {
	chain := newFakeChain()
	chain.normal[addrA] = []models.NormalTx{normalTx(hash(2), 20800020, addrA, addrB, "1", "21000", "1000000000")}

	report, err := newTestIndexer(chain, &fakePrices{}, nil).Run(context.Background(), Request{Addresses: []string{addrA, addrB}})
	require.NoError(t, err)

	rows := report.RowsFor(addrA)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, models.TradeEthTransfer, row.TradeType)
	assert.Equal(t, "internal;internal_out", row.TagSources)
	assert.Equal(t, 1.0, row.EthOut)
	assert.Equal(t, 0.000021, row.GasFeeEth)
	assert.Equal(t, -1.000021, row.EthBalanceAfter)
	require.NotNil(t, row.EthOutUSD)
	assert.Equal(t, 2000.0, *row.EthOutUSD)
	assert.Empty(t, report.RowsFor(addrB))
}

func TestRun_RefinedBuy(t *testing.T) {
	chain := newFakeChain()
	h := hash(3)
	block := 20800030
	chain.normal[addrA] = []models.NormalTx{normalTx(h, block, addrA, router, "0.05", "0", "0")}
	chain.tokens[addrA] = []models.TokenTx{tokenTx(h, block, router, addrA, "93")}
	prices := &fakePrices{byTs: map[int64]string{int64(1700000000 + block): "1980"}}
	refiner := fakeRefiner{h: {
		Router:         router,
		NetToUser:      decimal.NewFromInt(93),
		RouterFee:      decimal.NewFromInt(1),
		RouterReceived: decimal.NewFromInt(94),
		ActualTax:      decimal.NewFromInt(5),
		GrossFromPool:  decimal.NewFromInt(99),
	}}

	report, err := newTestIndexer(chain, prices, refiner).Run(context.Background(), Request{Addresses: []string{addrA}})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)

	row := report.Rows[0]
	assert.Equal(t, models.TradeBuy, row.TradeType)
	assert.True(t, row.Refined)
	require.NotNil(t, row.EthOutUSD)
	assert.Equal(t, 99.0, *row.EthOutUSD)
	require.NotNil(t, row.GrossFromPoolToken)
	assert.Equal(t, 99.0, *row.GrossFromPoolToken)
	require.NotNil(t, row.UnitPriceUSD)
	assert.Equal(t, 1.0, *row.UnitPriceUSD)
	assert.Equal(t, 5.0, row.TaxTokenEst)
	require.NotNil(t, row.TaxUSDEst)
	assert.Equal(t, 5.0, *row.TaxUSDEst)
	require.NotNil(t, row.RouterFeeToken)
	assert.Equal(t, 1.0, *row.RouterFeeToken)
	require.NotNil(t, row.RouterFeeUSD)
	assert.Equal(t, 1.0, *row.RouterFeeUSD)
	assert.Contains(t, row.TagSources, "uniswap_protocol_fee")
	assert.Equal(t, 93.0, row.TokenWalletAfter)
}

func TestRun_UnrefinedBuy(t *testing.T) {
	chain := newFakeChain()
	h := hash(4)
	chain.normal[addrA] = []models.NormalTx{normalTx(h, 20800040, addrA, router, "0.05", "0", "0")}
	chain.tokens[addrA] = []models.TokenTx{tokenTx(h, 20800040, router, addrA, "95")}

	report, err := newTestIndexer(chain, &fakePrices{}, fakeRefiner{}).Run(context.Background(), Request{Addresses: []string{addrA}})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)

	row := report.Rows[0]
	assert.Equal(t, models.TradeBuy, row.TradeType)
	assert.False(t, row.Refined)
	assert.Nil(t, row.GrossFromPoolToken)
	assert.Equal(t, 5.0, row.TaxTokenEst)
	require.NotNil(t, row.UnitPriceUSD)
	assert.Equal(t, 1.0, *row.UnitPriceUSD)
	require.NotNil(t, row.TaxUSDEst)
	assert.Equal(t, 5.0, *row.TaxUSDEst)
	assert.Equal(t, 95.0, row.TokenOwnedAfter)
}

func TestRun_StakeKeepsOwned(t *testing.T) {
	chain := newFakeChain()
	chain.tokens[addrA] = []models.TokenTx{
		tokenTx(hash(5), 20800050, rewards, addrA, "100"),
		tokenTx(hash(6), 20800060, addrA, pool, "40"),
		tokenTx(hash(7), 20800070, pool, addrA, "10"),
	}

	report, err := newTestIndexer(chain, &fakePrices{}, nil).Run(context.Background(), Request{Addresses: []string{addrA}})
	require.NoError(t, err)
	require.Len(t, report.Rows, 3)

	stake, unstake := report.Rows[1], report.Rows[2]
	assert.Equal(t, models.TradeStake, stake.TradeType)
	assert.Equal(t, 60.0, stake.TokenWalletAfter)
	assert.Equal(t, 40.0, stake.TokenStakedAfter)
	assert.Equal(t, 100.0, stake.TokenOwnedAfter)
	assert.Equal(t, models.TradeUnstake, unstake.TradeType)
	assert.Equal(t, 70.0, unstake.TokenWalletAfter)
	assert.Equal(t, 30.0, unstake.TokenStakedAfter)
	assert.Equal(t, 100.0, unstake.TokenOwnedAfter)
}

func TestRun_PriceUnavailable(t *testing.T) {
	chain := newFakeChain()
	chain.normal[addrA] = []models.NormalTx{normalTx(hash(8), 20800080, addrB, addrA, "2", "0", "0")}

	report, err := newTestIndexer(chain, &fakePrices{err: stderrors.New("provider down")}, nil).
		Run(context.Background(), Request{Addresses: []string{addrA}})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)

	row := report.Rows[0]
	assert.Equal(t, models.PriceSourceUnavailable, row.PriceSource)
	assert.Nil(t, row.EthUSD)
	assert.Nil(t, row.EthInUSD)
	assert.Nil(t, row.TaxUSDEst)
	assert.Equal(t, 2.0, row.EthBalanceAfter)
}

func TestRun_MissingTimestampIsNotPriced(t *testing.T) {
	chain := newFakeChain()
	tx := normalTx(hash(10), 20800100, addrB, addrA, "1", "0", "0")
	tx.TimeStamp = ""
	chain.normal[addrA] = []models.NormalTx{tx}

	prices := &fakePrices{}
	report, err := newTestIndexer(chain, prices, nil).Run(context.Background(), Request{Addresses: []string{addrA}})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)

	assert.Empty(t, prices.lookups)
	row := report.Rows[0]
	assert.Equal(t, models.PriceSourceUnavailable, row.PriceSource)
	assert.Nil(t, row.EthUSD)
	assert.Nil(t, row.EthInUSD)
	assert.Equal(t, 1.0, row.EthBalanceAfter)
}

func TestRun_PartialFailure(t *testing.T) {
	chain := newFakeChain()
	chain.tokens[addrA] = []models.TokenTx{tokenTx(hash(9), 20800090, rewards, addrA, "1")}
	chain.failing[addrB] = errors.NewFetchError("txlist", 4, stderrors.New("HTTP 500"))

	report, err := newTestIndexer(chain, &fakePrices{}, nil).Run(context.Background(), Request{Addresses: []string{addrA, addrB}})
	require.NoError(t, err)
	assert.Len(t, report.Rows, 1)
	require.Contains(t, report.Failed, addrB)
	assert.Contains(t, report.Failed[addrB], "HTTP 500")
	assert.Equal(t, 1, report.Errors["total_errors"])
}

func TestRun_AllFailed(t *testing.T) {
	chain := newFakeChain()
	chain.failing[addrA] = stderrors.New("dial tcp: connection refused")
	chain.failing[addrB] = stderrors.New("dial tcp: connection refused")

	report, err := newTestIndexer(chain, &fakePrices{}, nil).Run(context.Background(), Request{Addresses: []string{addrA, addrB}})
	require.Error(t, err)

	var runErr *errors.RunError
	require.True(t, stderrors.As(err, &runErr))
	assert.Equal(t, []string{addrA, addrB}, runErr.Addresses())
	assert.Contains(t, err.Error(), addrA)
	assert.Contains(t, err.Error(), addrB)
	require.NotNil(t, report)
	assert.Empty(t, report.Rows)
}

func TestRun_Cancelled(t *testing.T) {
	chain := newFakeChain()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestIndexer(chain, &fakePrices{}, nil).Run(ctx, Request{Addresses: []string{addrA}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_RejectsInvalidAddresses(t *testing.T) {
	chain := newFakeChain()
	ix := newTestIndexer(chain, &fakePrices{}, nil)

	_, err := ix.Run(context.Background(), Request{Addresses: []string{"nope", "0x12"}})
	require.Error(t, err)
	assert.Empty(t, chain.ranges)

	report, err := ix.Run(context.Background(), Request{Addresses: []string{"nope", strings.ToUpper(addrA[2:]), "0x" + strings.ToUpper(addrA[2:])}})
	require.NoError(t, err)
	assert.Equal(t, []string{addrA}, report.Addresses)
	assert.Len(t, report.Rejected, 2)
}

func TestResolveRange(t *testing.T) {
	startDate := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	endDate := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	override := uint64(21000000)

	tests := []struct {
		name      string
		blocks    map[chaindata.Closest]uint64
		req       Request
		wantStart uint64
		wantEnd   uint64
	}{
		{"默认范围", nil, Request{}, DefaultStartBlock, OpenEndBlock},
		{"起始区块覆盖", nil, Request{StartBlock: &override}, override, OpenEndBlock},
		{"日期优先于覆盖", map[chaindata.Closest]uint64{chaindata.Before: 20900000, chaindata.After: 21100000},
			Request{StartBlock: &override, StartDate: &startDate, EndDate: &endDate}, 20900000, 21100000},
		{"查询为零时回退", map[chaindata.Closest]uint64{}, Request{StartDate: &startDate, EndDate: &endDate}, DefaultStartBlock, OpenEndBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain()
			for k, v := range tt.blocks {
				chain.blocks[k] = v
			}
			start, end, err := newTestIndexer(chain, &fakePrices{}, nil).resolveRange(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestRun_RecordsHistory(t *testing.T) {
	store, err := progress.NewManager(filepath.Join(t.TempDir(), "runs.db"), quietLogger())
	require.NoError(t, err)
	defer store.Close()

	chain := newFakeChain()
	chain.tokens[addrA] = []models.TokenTx{tokenTx(hash(10), 20800100, rewards, addrA, "3")}
	chain.failing[addrB] = stderrors.New("HTTP 502")

	report, err := newTestIndexer(chain, &fakePrices{}, nil).WithRecorder(store).
		Run(context.Background(), Request{Addresses: []string{addrA, addrB}})
	require.NoError(t, err)

	recA, ok, err := store.GetAddress(addrA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, report.RunID, recA.RunID)
	assert.Equal(t, progress.StatusOK, recA.Status)
	assert.Equal(t, 1, recA.Rows)
	assert.Equal(t, uint64(20800100), recA.LastBlock)

	recB, ok, err := store.GetAddress(addrB)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, progress.StatusFailed, recB.Status)
	assert.Contains(t, recB.Error, "HTTP 502")

	runs, err := store.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Failed)
}

func TestRun_ReplayIsDeterministic(t *testing.T) {
	chain := newFakeChain()
	chain.tokens[addrA] = []models.TokenTx{
		tokenTx(hash(12), 20800200, rewards, addrA, "7"),
		tokenTx(hash(11), 20800200, rewards, addrA, "3"),
	}
	ix := newTestIndexer(chain, &fakePrices{}, nil)

	first, err := ix.Run(context.Background(), Request{Addresses: []string{addrA}})
	require.NoError(t, err)
	second, err := ix.Run(context.Background(), Request{Addresses: []string{addrA}})
	require.NoError(t, err)

	require.Len(t, first.Rows, 2)
	for i := range first.Rows {
		assert.Equal(t, first.Rows[i], second.Rows[i])
	}
	assert.NotEqual(t, first.RunID, second.RunID)
}
