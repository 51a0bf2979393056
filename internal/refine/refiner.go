// Package refine 用交易所在区块的Transfer日志还原买入的实际税额和路由费用
package refine

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"txindexer/internal/chaindata"
	"txindexer/pkg/models"
)

// LogSource 精修所需的日志查询能力
type LogSource interface {
	Logs(ctx context.Context, fromBlock, toBlock uint64, contract, topic0 string) ([]models.EventLog, error)
}

// Refinement 从日志得到的观测值
type Refinement struct {
	Router         string
	NetToUser      decimal.Decimal
	RouterFee      decimal.Decimal
	RouterReceived decimal.Decimal
	ActualTax      decimal.Decimal
	GrossFromPool  decimal.Decimal
}

// transfer 一条代币Transfer日志
type transfer struct {
	from  string
	to    string
	value decimal.Decimal
}

// Refiner 日志精修器
type Refiner struct {
	logs     LogSource
	token    string
	decimals int32
	logger   *logrus.Logger
}

// New 创建精修器
func New(logs LogSource, token string, decimals int32, logger *logrus.Logger) *Refiner {
	if decimals == 0 {
		decimals = 18
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Refiner{logs: logs, token: strings.ToLower(token), decimals: decimals, logger: logger}
}

// Refine 尽力而为：任何失败都返回 false，由调用方保留估算值
func (r *Refiner) Refine(ctx context.Context, address, txHash string, block uint64) (Refinement, bool) {
	address = strings.ToLower(address)
	txHash = strings.ToLower(txHash)
	if txHash == "" || block == 0 {
		return Refinement{}, false
	}

	logs, err := r.logs.Logs(ctx, block, block, r.token, chaindata.ERC20TransferTopic)
	if err != nil {
		r.logger.WithFields(logrus.Fields{"tx_hash": txHash, "block": block}).Debugf("获取日志失败，保留估算: %v", err)
		return Refinement{}, false
	}

	transfers := r.transfersOf(logs, txHash)
	if len(transfers) == 0 {
		return Refinement{}, false
	}

	// 路由为第一笔转给本地址的发送方
	router := ""
	net := decimal.Zero
	for _, t := range transfers {
		if t.to == address {
			if router == "" {
				router = t.from
			}
			net = net.Add(t.value)
		}
	}
	if router == "" {
		return Refinement{}, false
	}

	res := Refinement{Router: router, NetToUser: net}
	for _, t := range transfers {
		if t.from == router && t.to != address {
			res.RouterFee = res.RouterFee.Add(t.value)
		}
		if t.to == router {
			res.RouterReceived = res.RouterReceived.Add(t.value)
		}
		if t.to == r.token {
			res.ActualTax = res.ActualTax.Add(t.value)
		}
	}
	res.GrossFromPool = res.RouterReceived.Add(res.ActualTax)
	if !res.GrossFromPool.IsPositive() {
		return Refinement{}, false
	}
	return res, true
}

func (r *Refiner) transfersOf(logs []models.EventLog, txHash string) []transfer {
	out := make([]transfer, 0, len(logs))
	for _, lg := range logs {
		if strings.ToLower(lg.TransactionHash) != txHash || len(lg.Topics) < 3 {
			continue
		}
		out = append(out, transfer{
			from:  topicAddress(lg.Topics[1]),
			to:    topicAddress(lg.Topics[2]),
			value: r.amount(lg.Data),
		})
	}
	return out
}

// topicAddress 取主题的后20字节作为地址
func topicAddress(topic string) string {
	return strings.ToLower(common.HexToAddress(topic).Hex())
}

func (r *Refiner) amount(data string) decimal.Decimal {
	raw := common.FromHex(data)
	if len(raw) == 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(raw), -r.decimals)
}
