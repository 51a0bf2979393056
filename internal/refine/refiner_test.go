package refine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txindexer/internal/chaindata"
	"txindexer/pkg/models"
)

const (
	me        = "0x1111111111111111111111111111111111111111"
	router    = "0x3333333333333333333333333333333333333333"
	poolAddr  = "0x4444444444444444444444444444444444444444"
	collector = "0x5555555555555555555555555555555555555555"
	token     = "0x8e0eef788350f40255d86dfe8d91ec0ad3a4547f"
	txHash    = "0xabc"
)

type fakeLogs struct {
	logs  []models.EventLog
	err   error
	calls []string
}

func (f *fakeLogs) Logs(ctx context.Context, fromBlock, toBlock uint64, contract, topic0 string) ([]models.EventLog, error) {
	f.calls = append(f.calls, fmt.Sprintf("%d-%d-%s-%s", fromBlock, toBlock, contract, topic0))
	return f.logs, f.err
}

func topic(addr string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
}

func transferLog(hash, from, to string, tokens int64) models.EventLog {
	wei := new(big.Int).Mul(big.NewInt(tokens), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return models.EventLog{
		Address:         token,
		TransactionHash: hash,
		Topics:          []string{chaindata.ERC20TransferTopic, topic(from), topic(to)},
		Data:            fmt.Sprintf("0x%064x", wei),
	}
}

func newRefiner(src LogSource) *Refiner {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(src, token, 18, logger)
}

func TestRefine_ObservedAmounts(t *testing.T) {
	src := &fakeLogs{logs: []models.EventLog{
		transferLog(txHash, poolAddr, router, 94),
		transferLog(txHash, poolAddr, token, 5),
		transferLog(txHash, router, collector, 1),
		transferLog(txHash, router, me, 93),
		transferLog("0xother", poolAddr, me, 1000),
	}}

	res, ok := newRefiner(src).Refine(context.Background(), me, "0xABC", 123)
	require.True(t, ok)

	assert.Equal(t, router, res.Router)
	assert.True(t, decimal.NewFromInt(94).Equal(res.RouterReceived))
	assert.True(t, decimal.NewFromInt(5).Equal(res.ActualTax))
	assert.True(t, decimal.NewFromInt(1).Equal(res.RouterFee))
	assert.True(t, decimal.NewFromInt(93).Equal(res.NetToUser))
	assert.True(t, decimal.NewFromInt(99).Equal(res.GrossFromPool))

	assert.Equal(t, []string{"123-123-" + token + "-" + chaindata.ERC20TransferTopic}, src.calls)
}

func TestRefine_FallsBack(t *testing.T) {
	tests := []struct {
		name  string
		src   *fakeLogs
		hash  string
		block uint64
	}{
		{"无区块", &fakeLogs{}, txHash, 0},
		{"获取失败", &fakeLogs{err: errors.New("HTTP 500")}, txHash, 1},
		{"无日志", &fakeLogs{}, txHash, 1},
		{"其它交易", &fakeLogs{logs: []models.EventLog{transferLog("0xother", router, me, 1)}}, txHash, 1},
		{"未转给本地址", &fakeLogs{logs: []models.EventLog{transferLog(txHash, poolAddr, router, 10)}}, txHash, 1},
		{"总量为零", &fakeLogs{logs: []models.EventLog{transferLog(txHash, router, me, 10)}}, txHash, 1},
		{"主题不足", &fakeLogs{logs: []models.EventLog{{TransactionHash: txHash, Topics: []string{chaindata.ERC20TransferTopic}}}}, txHash, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := newRefiner(tt.src).Refine(context.Background(), me, tt.hash, tt.block)
			assert.False(t, ok)
		})
	}
}

func TestTopicAddress(t *testing.T) {
	assert.Equal(t, me, topicAddress(topic(me)))
	assert.Equal(t, "0x8e0eef788350f40255d86dfe8d91ec0ad3a4547f", topicAddress("0x0000000000000000000000008E0EEF788350F40255D86DFE8D91EC0AD3A4547F"))
}
