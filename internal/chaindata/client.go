// Package chaindata Etherscan兼容接口的类型化封装
package chaindata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	ierrors "txindexer/internal/errors"
	"txindexer/internal/httpclient"
	"txindexer/internal/retry"
	"txindexer/pkg/models"
)

// Closest 按时间查区块的方向
type Closest string

const (
	Before Closest = "before"
	After  Closest = "after"
)

// ERC20TransferTopic Transfer(address,address,uint256) 事件签名
var ERC20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()

const pageOffset = "10000"

// Source 索引流程依赖的链上数据能力
type Source interface {
	BlockAtTime(ctx context.Context, ts int64, closest Closest) (uint64, error)
	NormalTxs(ctx context.Context, address string, fromBlock, toBlock uint64) ([]models.NormalTx, error)
	InternalTxs(ctx context.Context, address string, fromBlock, toBlock uint64) ([]models.InternalTx, error)
	TokenTxs(ctx context.Context, address, tokenContract string, fromBlock, toBlock uint64) ([]models.TokenTx, error)
	Logs(ctx context.Context, fromBlock, toBlock uint64, contract, topic0 string) ([]models.EventLog, error)
}

// envelope 提供方统一响应格式
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (e *envelope) empty() bool {
	if e.Status != "0" {
		return false
	}
	return strings.Contains(e.Message, "No transactions found") || strings.Contains(e.Message, "No records found")
}

func (e *envelope) resultText() string {
	var s string
	if json.Unmarshal(e.Result, &s) == nil {
		return s
	}
	return string(e.Result)
}

// ValidateEnvelope 供HTTP客户端在缓存前调用：成功和明确的空结果可缓存，其余视为错误
func ValidateEnvelope(body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return retry.NewRetryableError(fmt.Errorf("解析响应失败: %w", err), true)
	}
	if env.Status == "1" || env.empty() {
		return nil
	}

	detail := strings.ToLower(env.Message + " " + env.resultText())
	providerErr := ierrors.WrapError(fmt.Errorf("status=%q message=%q result=%q", env.Status, env.Message, env.resultText()),
		ierrors.ErrorTypeProvider, ierrors.SeverityMedium, "PROVIDER_RESPONSE", "数据提供方返回错误").WithComponent("chaindata")
	switch {
	case strings.Contains(detail, "rate limit"):
		return &retry.RateLimitError{Err: providerErr}
	case strings.Contains(detail, "timeout"), strings.Contains(detail, "busy"), env.Status == "":
		return retry.NewRetryableError(providerErr, true)
	default:
		return retry.NewRetryableError(providerErr, false)
	}
}

// Client 链上数据客户端
type Client struct {
	http   httpclient.Getter
	path   string
	apiKey string
	logger *logrus.Logger
}

// New 创建客户端。path 为接口路径（通常为 "/api" 或空）
func New(getter httpclient.Getter, path, apiKey string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{http: getter, path: path, apiKey: apiKey, logger: logger}
}

// call 发起请求，apikey 不参与缓存键
func (c *Client) call(ctx context.Context, params url.Values, cacheKey string) (*envelope, error) {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	body, err := c.http.Get(ctx, c.path, params, cacheKey)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ierrors.WrapError(err, ierrors.ErrorTypeData, ierrors.SeverityMedium, "MALFORMED_BODY", "解析响应失败")
	}
	return &env, nil
}

// decodeList 把结果解码为列表，明确的空结果返回空列表
func decodeList[T any](env *envelope, what string) ([]T, error) {
	if env.empty() {
		return []T{}, nil
	}
	if env.Status != "1" {
		return nil, ierrors.NewIndexError(ierrors.ErrorTypeProvider, ierrors.SeverityMedium, "PROVIDER_RESPONSE",
			fmt.Sprintf("%s 返回错误: %s %s", what, env.Message, env.resultText()))
	}
	out := []T{}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		return nil, ierrors.WrapError(err, ierrors.ErrorTypeData, ierrors.SeverityMedium, "MALFORMED_RESULT",
			fmt.Sprintf("%s 结果格式错误", what))
	}
	return out, nil
}

// BlockAtTime 按时间戳查区块号。after 无可用结果时改用 before，二者都没有时返回0
func (c *Client) BlockAtTime(ctx context.Context, ts int64, closest Closest) (uint64, error) {
	block, err := c.blockAtTime(ctx, ts, closest)
	if block > 0 || closest != After {
		return block, err
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.logger.Warnf("按时间 %d 查询 after 区块失败，改用 before: %v", ts, err)
	}
	return c.blockAtTime(ctx, ts, Before)
}

func (c *Client) blockAtTime(ctx context.Context, ts int64, closest Closest) (uint64, error) {
	params := url.Values{
		"module":    {"block"},
		"action":    {"getblocknobytime"},
		"timestamp": {strconv.FormatInt(ts, 10)},
		"closest":   {string(closest)},
	}
	env, err := c.call(ctx, params, fmt.Sprintf("blk_by_time_%d_%s", ts, closest))
	if err != nil {
		return 0, err
	}
	if env.Status != "1" || !strings.EqualFold(env.Message, "ok") {
		return 0, nil
	}
	return models.ParseUint(env.resultText()), nil
}

func accountParams(action, address string, fromBlock, toBlock uint64) url.Values {
	return url.Values{
		"module":     {"account"},
		"action":     {action},
		"address":    {address},
		"startblock": {strconv.FormatUint(fromBlock, 10)},
		"endblock":   {strconv.FormatUint(toBlock, 10)},
		"page":       {"1"},
		"offset":     {pageOffset},
		"sort":       {"asc"},
	}
}

// NormalTxs 地址的外部交易
func (c *Client) NormalTxs(ctx context.Context, address string, fromBlock, toBlock uint64) ([]models.NormalTx, error) {
	env, err := c.call(ctx, accountParams("txlist", address, fromBlock, toBlock),
		fmt.Sprintf("txlist_%s_%d_%d", address, fromBlock, toBlock))
	if err != nil {
		return nil, fmt.Errorf("获取外部交易失败: %w", err)
	}
	return decodeList[models.NormalTx](env, "txlist")
}

// InternalTxs 地址的内部交易
func (c *Client) InternalTxs(ctx context.Context, address string, fromBlock, toBlock uint64) ([]models.InternalTx, error) {
	env, err := c.call(ctx, accountParams("txlistinternal", address, fromBlock, toBlock),
		fmt.Sprintf("txintern_%s_%d_%d", address, fromBlock, toBlock))
	if err != nil {
		return nil, fmt.Errorf("获取内部交易失败: %w", err)
	}
	return decodeList[models.InternalTx](env, "txlistinternal")
}

// TokenTxs 地址在指定代币合约上的转账
func (c *Client) TokenTxs(ctx context.Context, address, tokenContract string, fromBlock, toBlock uint64) ([]models.TokenTx, error) {
	params := accountParams("tokentx", address, fromBlock, toBlock)
	params.Set("contractaddress", tokenContract)
	env, err := c.call(ctx, params, fmt.Sprintf("tokentx_%s_%s_%d_%d", tokenContract, address, fromBlock, toBlock))
	if err != nil {
		return nil, fmt.Errorf("获取代币转账失败: %w", err)
	}
	return decodeList[models.TokenTx](env, "tokentx")
}

// Logs 区块范围内的原始事件日志，contract 和 topic0 可为空
func (c *Client) Logs(ctx context.Context, fromBlock, toBlock uint64, contract, topic0 string) ([]models.EventLog, error) {
	params := url.Values{
		"module":    {"logs"},
		"action":    {"getLogs"},
		"fromBlock": {strconv.FormatUint(fromBlock, 10)},
		"toBlock":   {strconv.FormatUint(toBlock, 10)},
	}
	if contract != "" {
		params.Set("address", contract)
	}
	if topic0 != "" {
		params.Set("topic0", topic0)
	}
	env, err := c.call(ctx, params, LogsCacheKey(fromBlock, toBlock, contract, topic0))
	if err != nil {
		return nil, fmt.Errorf("获取事件日志失败: %w", err)
	}
	return decodeList[models.EventLog](env, "getLogs")
}

// LogsCacheKey 日志请求的缓存键
func LogsCacheKey(fromBlock, toBlock uint64, contract, topic0 string) string {
	if contract == "" {
		contract = "any"
	}
	if topic0 == "" {
		topic0 = "any"
	}
	if len(topic0) > 10 {
		topic0 = topic0[:10]
	}
	return fmt.Sprintf("logs_%s_%d_%d_%s", contract, fromBlock, toBlock, topic0)
}
