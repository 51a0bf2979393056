// Package price 历史ETH法币价格，按5分钟桶缓存
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"txindexer/internal/cache"
	"txindexer/internal/httpclient"
)

// BucketSeconds 缓存桶宽度
const BucketSeconds = 300

// 价格来源
const (
	SourceCache          = "cache"
	SourcePrimary        = "coingecko"
	SourceFallback       = "cryptocompare"
	SourcePrimaryMedian  = "coingecko_median"
	SourceUnavailable    = "unavailable"
	primaryNarrowWindow  = 30 * 60
	primaryWideWindow    = 2 * 3600
	fallbackSampleLimit  = "60"
	defaultMemoryEntries = 4096
)

// ErrUnsupportedCurrency 不支持的法币
var ErrUnsupportedCurrency = errors.New("不支持的法币，仅支持 usd 或 gbp")

var supportedCurrencies = map[string]bool{"usd": true, "gbp": true}

// Quote 某个桶的价格
type Quote struct {
	Price    decimal.Decimal `json:"price"`
	Source   string          `json:"source"`
	Bucket   int64           `json:"ts_bucket"`
	Currency string          `json:"currency"`
}

// Available 价格是否可用。不可用时金额字段不可计算，不能按0处理
func (q Quote) Available() bool {
	return q.Source != SourceUnavailable
}

// Source 索引流程依赖的报价能力
type Source interface {
	QuoteAt(ctx context.Context, ts int64, currency string) (Quote, error)
}

// Providers 价格接口。Wide 为放宽窗口时使用的客户端（超时更长），为空时复用 Primary
type Providers struct {
	Primary      httpclient.Getter
	PrimaryPath  string
	Fallback     httpclient.Getter
	FallbackPath string
	Wide         httpclient.Getter
}

// DefaultPrimaryPath CoinGecko 区间行情接口
const DefaultPrimaryPath = "/coins/ethereum/market_chart/range"

// DefaultFallbackPath CryptoCompare 分钟K线接口
const DefaultFallbackPath = "/data/v2/histominute"

// Oracle 读穿透、每桶只写一次的价格预言机
type Oracle struct {
	providers Providers
	store     *cache.DiskCache
	memory    *lru.Cache[string, Quote]
	group     singleflight.Group
	logger    *logrus.Logger
	now       func() time.Time

	resolutions atomic.Int64
}

// NewOracle 创建预言机
func NewOracle(providers Providers, store *cache.DiskCache, logger *logrus.Logger) (*Oracle, error) {
	if providers.Primary == nil || providers.Fallback == nil {
		return nil, fmt.Errorf("价格接口未配置")
	}
	if providers.Wide == nil {
		providers.Wide = providers.Primary
	}
	if providers.PrimaryPath == "" {
		providers.PrimaryPath = DefaultPrimaryPath
	}
	if providers.FallbackPath == "" {
		providers.FallbackPath = DefaultFallbackPath
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	memory, err := lru.New[string, Quote](defaultMemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("创建内存缓存失败: %w", err)
	}
	return &Oracle{
		providers: providers,
		store:     store,
		memory:    memory,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SupportedCurrency 是否为支持的法币
func SupportedCurrency(currency string) bool {
	return supportedCurrencies[strings.ToLower(strings.TrimSpace(currency))]
}

// Bucket 时间戳所在5分钟桶的起点
func Bucket(ts int64) int64 {
	return ts - ts%BucketSeconds
}

// CacheKey 桶缓存键，usd 无后缀
func CacheKey(bucket int64, currency string) string {
	if currency == "usd" {
		return fmt.Sprintf("eth_price_%d", bucket)
	}
	return fmt.Sprintf("eth_price_%d_%s", bucket, currency)
}

// QuoteAt 查询时间戳对应的价格
func (o *Oracle) QuoteAt(ctx context.Context, ts int64, currency string) (Quote, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if !supportedCurrencies[currency] {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	bucket := Bucket(ts)
	key := CacheKey(bucket, currency)

	if q, ok := o.memory.Get(key); ok {
		return asCached(q), nil
	}

	v, err, _ := o.group.Do(key, func() (interface{}, error) {
		if q, ok := o.readDisk(key, bucket, currency); ok {
			o.memory.Add(key, q)
			return asCached(q), nil
		}
		q, err := o.resolve(ctx, ts, bucket, currency)
		if err != nil {
			return Quote{}, err
		}
		return o.publish(key, q), nil
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

func asCached(q Quote) Quote {
	if q.Source != SourceUnavailable {
		q.Source = SourceCache
	}
	return q
}

// publish 写入磁盘，已有记录时以磁盘为准
func (o *Oracle) publish(key string, q Quote) Quote {
	wrote, err := o.writeDisk(key, q)
	if err != nil {
		o.logger.Warnf("写入价格缓存失败: %v", err)
	} else if !wrote {
		if existing, ok := o.readDisk(key, q.Bucket, q.Currency); ok {
			o.memory.Add(key, existing)
			return asCached(existing)
		}
	}
	o.memory.Add(key, q)
	return q
}

// resolve 依次尝试主接口、备用接口、放宽窗口中位数，全部失败返回哨兵报价
func (o *Oracle) resolve(ctx context.Context, ts, bucket int64, currency string) (Quote, error) {
	o.resolutions.Add(1)
	quote := func(p float64, source string) Quote {
		return Quote{Price: decimal.NewFromFloat(p), Source: source, Bucket: bucket, Currency: currency}
	}

	if p, ok, err := o.primaryNearest(ctx, ts, currency); ok {
		return quote(p, SourcePrimary), nil
	} else if cerr := o.check(ctx, "coingecko", err); cerr != nil {
		return Quote{}, cerr
	}

	if p, ok, err := o.fallbackNearest(ctx, ts, currency); ok {
		return quote(p, SourceFallback), nil
	} else if cerr := o.check(ctx, "cryptocompare", err); cerr != nil {
		return Quote{}, cerr
	}

	if p, ok, err := o.primaryMedian(ctx, ts, currency); ok {
		return quote(p, SourcePrimaryMedian), nil
	} else if cerr := o.check(ctx, "coingecko_median", err); cerr != nil {
		return Quote{}, cerr
	}

	o.logger.Warnf("时间 %d (%s) 的价格不可用，写入哨兵", ts, currency)
	return Quote{Price: decimal.Zero, Source: SourceUnavailable, Bucket: bucket, Currency: currency}, nil
}

// check 取消时中止解析，其余错误记录后继续下一来源
func (o *Oracle) check(ctx context.Context, source string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		o.logger.Debugf("价格来源 %s 失败: %v", source, err)
	}
	return nil
}

type rangeResponse struct {
	Prices [][]float64 `json:"prices"`
}

func (o *Oracle) fetchRange(ctx context.Context, getter httpclient.Getter, ts, window int64, currency string) ([][]float64, error) {
	params := url.Values{
		"vs_currency": {currency},
		"from":        {strconv.FormatInt(ts-window, 10)},
		"to":          {strconv.FormatInt(ts+window, 10)},
	}
	body, err := getter.Get(ctx, o.providers.PrimaryPath, params, "")
	if err != nil {
		return nil, err
	}
	var resp rangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析行情失败: %w", err)
	}
	return resp.Prices, nil
}

// primaryNearest ±30分钟窗口内时间最近的样本，严格小于比较保留先出现的最小值
func (o *Oracle) primaryNearest(ctx context.Context, ts int64, currency string) (float64, bool, error) {
	samples, err := o.fetchRange(ctx, o.providers.Primary, ts, primaryNarrowWindow, currency)
	if err != nil {
		return 0, false, err
	}
	var (
		nearest  float64
		found    bool
		minDelta int64 = 1 << 62
	)
	for _, s := range samples {
		if len(s) < 2 {
			continue
		}
		delta := abs(int64(s[0])/1000 - ts)
		if delta < minDelta {
			minDelta = delta
			nearest = s[1]
			found = true
		}
	}
	return nearest, found, nil
}

type histoResponse struct {
	Data struct {
		Data []struct {
			Time  int64   `json:"time"`
			Close float64 `json:"close"`
		} `json:"Data"`
	} `json:"Data"`
}

// fallbackNearest 截止目标时间的60个分钟样本中最近的正价格
func (o *Oracle) fallbackNearest(ctx context.Context, ts int64, currency string) (float64, bool, error) {
	params := url.Values{
		"fsym":  {"ETH"},
		"tsym":  {strings.ToUpper(currency)},
		"toTs":  {strconv.FormatInt(ts, 10)},
		"limit": {fallbackSampleLimit},
	}
	body, err := o.providers.Fallback.Get(ctx, o.providers.FallbackPath, params, "")
	if err != nil {
		return 0, false, err
	}
	var resp histoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false, fmt.Errorf("解析分钟K线失败: %w", err)
	}
	var (
		nearest  float64
		found    bool
		minDelta int64 = 1 << 62
	)
	for _, s := range resp.Data.Data {
		delta := abs(s.Time - ts)
		if delta < minDelta && s.Close > 0 {
			minDelta = delta
			nearest = s.Close
			found = true
		}
	}
	return nearest, found, nil
}

// primaryMedian ±2小时窗口内所有价格的中位数（偶数个时取上中位数）
func (o *Oracle) primaryMedian(ctx context.Context, ts int64, currency string) (float64, bool, error) {
	samples, err := o.fetchRange(ctx, o.providers.Wide, ts, primaryWideWindow, currency)
	if err != nil {
		return 0, false, err
	}
	vals := make([]float64, 0, len(samples))
	for _, s := range samples {
		if len(s) == 2 {
			vals = append(vals, s[1])
		}
	}
	if len(vals) == 0 {
		return 0, false, nil
	}
	sort.Float64s(vals)
	return vals[len(vals)/2], true, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func priceField(currency string) string {
	return "price_" + currency
}

func (o *Oracle) readDisk(key string, bucket int64, currency string) (Quote, bool) {
	if o.store == nil {
		return Quote{}, false
	}
	data, ok, err := o.store.Get(key)
	if err != nil || !ok {
		return Quote{}, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		o.logger.Warnf("价格缓存 %s 损坏: %v", key, err)
		return Quote{}, false
	}
	field, ok := raw[priceField(currency)]
	if !ok {
		return Quote{}, false
	}
	var p float64
	if err := json.Unmarshal(field, &p); err != nil {
		return Quote{}, false
	}
	var source string
	if s, ok := raw["source"]; ok {
		if err := json.Unmarshal(s, &source); err != nil {
			o.logger.Warnf("价格缓存 %s 来源字段损坏: %v", key, err)
			return Quote{}, false
		}
	}
	return Quote{Price: decimal.NewFromFloat(p), Source: source, Bucket: bucket, Currency: currency}, true
}

func (o *Oracle) writeDisk(key string, q Quote) (bool, error) {
	if o.store == nil {
		return true, nil
	}
	p, _ := q.Price.Float64()
	data, err := json.MarshalIndent(map[string]interface{}{
		"ts_bucket":            q.Bucket,
		priceField(q.Currency): p,
		"source":               q.Source,
		"fetched_at":           o.now().Unix(),
	}, "", "  ")
	if err != nil {
		return false, err
	}
	return o.store.PutIfAbsent(key, data)
}

// GetStats 获取统计信息
func (o *Oracle) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"resolutions":    o.resolutions.Load(),
		"memory_entries": o.memory.Len(),
	}
}
