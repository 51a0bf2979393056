package indexer

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"txindexer/internal/cache"
	"txindexer/internal/chaindata"
	"txindexer/internal/config"
	"txindexer/internal/flow"
	"txindexer/internal/httpclient"
	"txindexer/internal/price"
	"txindexer/internal/progress"
	"txindexer/internal/ratelimit"
	"txindexer/internal/refine"
	"txindexer/internal/retry"
)

// Runtime 按配置装配好的组件
type Runtime struct {
	Indexer  *Indexer
	Chain    *chaindata.Client
	Oracle   *price.Oracle
	Limiter  *ratelimit.Limiter
	Progress *progress.Manager

	chainHTTP *httpclient.Client
	logger    *logrus.Logger
}

// Options 调用方覆盖项
type Options struct {
	MaxRPS float64 // >0 时覆盖配置中的限速
}

// Build 从配置装配索引器。所有外部请求共享同一个限速器
func Build(cfg *config.Config, opts Options, logger *logrus.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxRPS := cfg.Chain.MaxRPS
	if opts.MaxRPS > 0 {
		maxRPS = opts.MaxRPS
	}
	limiter := ratelimit.New(maxRPS)

	chainCache, err := cache.NewDiskCache(cfg.Chain.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("创建链上数据缓存失败: %w", err)
	}
	priceCache, err := cache.NewDiskCache(cfg.Price.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("创建价格缓存失败: %w", err)
	}

	chainHTTP := httpclient.New(httpclient.Config{
		BaseURL:  cfg.Chain.APIURL,
		Timeout:  cfg.Chain.Timeout,
		Retry:    withAttempts(retry.ChainRetryConfig, cfg.Chain.MaxRetries),
		Validate: chaindata.ValidateEnvelope,
	}, limiter, chainCache, logger)
	chain := chaindata.New(chainHTTP, cfg.Chain.Path, cfg.Chain.APIKey, logger)

	priceRetry := withAttempts(retry.PriceRetryConfig, cfg.Price.MaxRetries)
	cgHeaders := primaryHeaders(cfg.Price)
	providers := price.Providers{
		Primary: httpclient.New(httpclient.Config{
			BaseURL: cfg.Price.PrimaryURL,
			Headers: cgHeaders,
			Timeout: cfg.Price.Timeout,
			Retry:   priceRetry,
		}, limiter, nil, logger),
		Fallback: httpclient.New(httpclient.Config{
			BaseURL: cfg.Price.FallbackURL,
			Headers: fallbackHeaders(cfg.Price),
			Timeout: cfg.Price.Timeout,
			Retry:   priceRetry,
		}, limiter, nil, logger),
		Wide: httpclient.New(httpclient.Config{
			BaseURL: cfg.Price.PrimaryURL,
			Headers: cgHeaders,
			Timeout: cfg.Price.WideTimeout,
			Retry:   priceRetry,
		}, limiter, nil, logger),
	}
	oracle, err := price.NewOracle(providers, priceCache, logger)
	if err != nil {
		return nil, err
	}

	refiner := refine.New(chain, cfg.Token.Contract, int32(cfg.Token.Decimals), logger)

	book, err := flow.LoadAddressBook(cfg.Indexer.AddressesFile)
	if err != nil {
		return nil, err
	}
	book = book.Merge(cfg.Indexer.KnownAddresses...)
	logger.Debugf("已知地址 %d 个", book.Len())

	ix := New(Config{
		Contracts: flow.Contracts{
			Token:            cfg.Token.Contract,
			TokenDecimals:    int32(cfg.Token.Decimals),
			StakingPool:      cfg.Token.StakingPool,
			Rewards:          cfg.Token.Rewards,
			NodeRewardSender: cfg.Token.NodeRewardSender,
		},
		DefaultStartBlock: cfg.Indexer.DefaultStartBlock,
		OpenEndBlock:      cfg.Indexer.OpenEndBlock,
		Workers:           cfg.Indexer.Workers,
		QueueSize:         cfg.Indexer.QueueSize,
		Currency:          cfg.Price.Currency,
		MaxRPS:            maxRPS,
	}, chain, oracle, refiner, book, logger)

	rt := &Runtime{
		Indexer:   ix,
		Chain:     chain,
		Oracle:    oracle,
		Limiter:   limiter,
		chainHTTP: chainHTTP,
		logger:    logger,
	}

	if cfg.Progress != nil && cfg.Progress.Enabled {
		manager, err := progress.NewManager(cfg.Progress.DBPath, logger)
		if err != nil {
			return nil, err
		}
		rt.Progress = manager
		ix.WithRecorder(manager)
	}
	return rt, nil
}

// withAttempts 以配置中的次数覆盖默认重试配置
func withAttempts(base *retry.RetryConfig, attempts int) *retry.RetryConfig {
	c := *base
	if attempts > 0 {
		c.MaxAttempts = attempts
	}
	return &c
}

func primaryHeaders(cfg *config.PriceConfig) map[string]string {
	if cfg.PrimaryAPIKey == "" {
		return nil
	}
	if strings.Contains(cfg.PrimaryURL, "pro-api") {
		return map[string]string{"x-cg-pro-api-key": cfg.PrimaryAPIKey}
	}
	return map[string]string{"x-cg-demo-api-key": cfg.PrimaryAPIKey}
}

func fallbackHeaders(cfg *config.PriceConfig) map[string]string {
	if cfg.FallbackAPIKey == "" {
		return nil
	}
	return map[string]string{"authorization": "Apikey " + cfg.FallbackAPIKey}
}

// GetStats 获取运行时统计
func (rt *Runtime) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"max_rps":  rt.Limiter.MaxRPS(),
		"interval": rt.Limiter.Interval().String(),
		"chain":    rt.chainHTTP.GetStats(),
		"price":    rt.Oracle.GetStats(),
	}
	if rt.Progress != nil {
		stats["progress"] = rt.Progress.GetStats()
	}
	return stats
}

// Close 释放资源
func (rt *Runtime) Close() error {
	if rt.Progress == nil {
		return nil
	}
	start := time.Now()
	err := rt.Progress.Close()
	rt.logger.Debugf("运行历史数据库已关闭 (耗时: %v)", time.Since(start))
	return err
}
