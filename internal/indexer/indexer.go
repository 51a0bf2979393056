// Package indexer 按地址并发执行 抓取 → 聚合 → 分类 → 精修 → 定价 → 重放 流水线
package indexer

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"txindexer/internal/chaindata"
	"txindexer/internal/classify"
	"txindexer/internal/errors"
	"txindexer/internal/flow"
	"txindexer/internal/ledger"
	"txindexer/internal/logging"
	"txindexer/internal/price"
	"txindexer/internal/progress"
	"txindexer/internal/refine"
	"txindexer/internal/validation"
	"txindexer/pkg/models"
)

const (
	DefaultStartBlock uint64 = 20800000
	OpenEndBlock      uint64 = 99999999
	DefaultWorkers           = 4
	DefaultQueueSize         = 256
	DefaultCurrency          = "usd"
)

// Config 索引配置
type Config struct {
	Contracts         flow.Contracts
	DefaultStartBlock uint64
	OpenEndBlock      uint64
	Workers           int
	QueueSize         int
	Currency          string
	MaxRPS            float64
}

// Request 一次索引请求。StartDate 优先于 StartBlock
type Request struct {
	Addresses  []string
	StartDate  *time.Time
	EndDate    *time.Time
	StartBlock *uint64
	RunID      string // 为空时自动生成
}

// Report 一次运行的结果
type Report struct {
	RunID               string                 `json:"run_id"`
	StartBlock          uint64                 `json:"start_block"`
	EndBlock            uint64                 `json:"end_block"`
	EffectiveStartBlock uint64                 `json:"effective_start_block"`
	MaxRPS              float64                `json:"max_rps"`
	Currency            string                 `json:"currency"`
	Addresses           []string               `json:"addresses"`
	Rejected            []string               `json:"rejected,omitempty"`
	Failed              map[string]string      `json:"failed,omitempty"`
	Rows                []models.TxRow         `json:"rows"`
	Errors              map[string]interface{} `json:"errors"`
	StartedAt           time.Time              `json:"started_at"`
	FinishedAt          time.Time              `json:"finished_at"`
}

// RowsFor 单个地址的行
func (r *Report) RowsFor(address string) []models.TxRow {
	address = strings.ToLower(address)
	out := make([]models.TxRow, 0)
	for _, row := range r.Rows {
		if row.Address == address {
			out = append(out, row)
		}
	}
	return out
}

// Refiner 买入精修
type Refiner interface {
	Refine(ctx context.Context, address, txHash string, block uint64) (refine.Refinement, bool)
}

// Recorder 运行历史记录
type Recorder interface {
	RecordAddress(rec progress.RunRecord) error
	RecordRun(sum progress.RunSummary) error
}

// Indexer 索引器
type Indexer struct {
	cfg       Config
	chain     chaindata.Source
	prices    price.Source
	refiner   Refiner
	book      *flow.AddressBook
	validator *validation.Validator
	recorder  Recorder
	logger    *logrus.Logger
	now       func() time.Time
}

// addressResult 单地址结果
type addressResult struct {
	rows []models.TxRow
	err  error
}

// New 创建索引器，refiner 可为 nil
func New(cfg Config, chain chaindata.Source, prices price.Source, refiner Refiner, book *flow.AddressBook, logger *logrus.Logger) *Indexer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.DefaultStartBlock == 0 {
		cfg.DefaultStartBlock = DefaultStartBlock
	}
	if cfg.OpenEndBlock == 0 {
		cfg.OpenEndBlock = OpenEndBlock
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	cfg.Contracts = cfg.Contracts.Normalize()
	if book == nil {
		book = flow.NewAddressBook()
	}
	return &Indexer{
		cfg:       cfg,
		chain:     chain,
		prices:    prices,
		refiner:   refiner,
		book:      book,
		validator: validation.NewValidator(logger, false),
		logger:    logger,
		now:       time.Now,
	}
}

// WithRecorder 设置运行历史记录器
func (ix *Indexer) WithRecorder(r Recorder) *Indexer {
	ix.recorder = r
	return ix
}

// Run 执行一次索引。部分地址失败时返回报告与 nil；全部失败返回 RunError；取消时返回 ctx.Err()
func (ix *Indexer) Run(ctx context.Context, req Request) (*Report, error) {
	if !price.SupportedCurrency(ix.cfg.Currency) {
		return nil, fmt.Errorf("%w: %q", price.ErrUnsupportedCurrency, ix.cfg.Currency)
	}

	addresses, rejected := ix.validator.FilterAddresses(req.Addresses)
	if len(addresses) == 0 {
		return nil, errors.NewIndexError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"NO_VALID_ADDRESS", "没有有效的地址")
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	report := &Report{
		RunID:     runID,
		MaxRPS:    ix.cfg.MaxRPS,
		Currency:  ix.cfg.Currency,
		Addresses: addresses,
		Rejected:  rejected,
		Failed:    make(map[string]string),
		Rows:      make([]models.TxRow, 0),
		StartedAt: ix.now().UTC(),
	}
	logger := ix.logger.WithField("run_id", report.RunID)

	start, end, err := ix.resolveRange(ctx, req)
	if err != nil {
		return nil, err
	}
	report.StartBlock, report.EndBlock = start, end
	logger.Infof("开始索引 %d 个地址，区块范围 %d - %d", len(addresses), start, end)

	agg := flow.NewAggregator(ix.cfg.Contracts, ix.book.Merge(addresses...))
	results := xsync.NewMap[string, addressResult]()
	stats := errors.NewErrorStats()

	pool := pond.NewPool(ix.cfg.Workers, pond.WithQueueSize(ix.cfg.QueueSize))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, address := range addresses {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			rows, err := ix.indexAddress(groupCtx, agg, address, start, end)
			results.Store(address, addressResult{rows: rows, err: err})
		})
	}
	if err := group.Wait(); err != nil && !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, pond.ErrGroupStopped) {
		logger.Errorf("工作池异常: %v", err)
	}

	cancelled := ctx.Err()
	failures := make(map[string]error)
	effective := uint64(0)
	for _, address := range addresses {
		res, ok := results.Load(address)
		if !ok {
			continue
		}
		if res.err != nil {
			if !isCancellation(res.err) {
				failures[address] = res.err
				report.Failed[address] = res.err.Error()
				stats.RecordError(address, res.err)
			}
			continue
		}
		for _, row := range res.rows {
			if effective == 0 || row.Block < effective {
				effective = row.Block
			}
		}
		report.Rows = append(report.Rows, res.rows...)
	}
	if effective == 0 {
		effective = start
	}
	report.EffectiveStartBlock = effective
	report.Errors = stats.Summary()
	report.FinishedAt = ix.now().UTC()

	ix.record(report, results, cancelled)

	if cancelled != nil {
		logger.Warnf("索引已取消，已完成 %d 行", len(report.Rows))
		return report, cancelled
	}
	if len(failures) == len(addresses) {
		return report, errors.NewRunError(failures)
	}
	if len(failures) > 0 {
		for _, address := range errors.NewRunError(failures).Addresses() {
			logger.WithField("address", address).Warnf("地址索引失败: %v", failures[address])
		}
	}
	logger.Infof("索引完成: %d 行，%d 个地址失败，有效起始区块 %d", len(report.Rows), len(failures), effective)
	return report, nil
}

// quoteFor 查询交易时刻的价格，没有时间戳的交易不查询
func (ix *Indexer) quoteFor(ctx context.Context, ts int64) (price.Quote, error) {
	if ts <= 0 {
		return ix.unavailable(), nil
	}
	return ix.prices.QuoteAt(ctx, ts, ix.cfg.Currency)
}

func (ix *Indexer) unavailable() price.Quote {
	return price.Quote{Source: price.SourceUnavailable, Currency: ix.cfg.Currency}
}

// resolveRange 计算区块范围：覆盖值或默认起点；起始日期取之前最近的区块，结束日期取之后最近的区块
func (ix *Indexer) resolveRange(ctx context.Context, req Request) (uint64, uint64, error) {
	start := ix.cfg.DefaultStartBlock
	if req.StartBlock != nil {
		start = *req.StartBlock
	}
	end := ix.cfg.OpenEndBlock

	if req.StartDate != nil {
		blk, err := ix.chain.BlockAtTime(ctx, req.StartDate.Unix(), chaindata.Before)
		if err != nil {
			if isCancellation(err) {
				return 0, 0, err
			}
			ix.logger.Warnf("按起始日期查区块失败，使用 %d: %v", start, err)
		} else if blk > 0 {
			start = blk
		}
	}
	if req.EndDate != nil {
		blk, err := ix.chain.BlockAtTime(ctx, req.EndDate.Unix(), chaindata.After)
		if err != nil {
			if isCancellation(err) {
				return 0, 0, err
			}
			ix.logger.Warnf("按结束日期查区块失败，使用 %d: %v", end, err)
		} else if blk > 0 {
			end = blk
		}
	}
	if end < start {
		return 0, 0, errors.NewIndexError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_RANGE", fmt.Sprintf("结束区块 %d 早于起始区块 %d", end, start))
	}
	return start, end, nil
}

// indexAddress 单个地址的完整流水线，重放在全部行分类完成之后进行
func (ix *Indexer) indexAddress(ctx context.Context, agg *flow.Aggregator, address string, start, end uint64) ([]models.TxRow, error) {
	logger := logging.NewAddressLogger(ix.logger, "indexer", address)

	normal, err := ix.chain.NormalTxs(ctx, address, start, end)
	if err != nil {
		return nil, fmt.Errorf("获取普通交易失败: %w", err)
	}
	internal, err := ix.chain.InternalTxs(ctx, address, start, end)
	if err != nil {
		return nil, fmt.Errorf("获取内部交易失败: %w", err)
	}
	tokens, err := ix.chain.TokenTxs(ctx, address, ix.cfg.Contracts.Token, start, end)
	if err != nil {
		return nil, fmt.Errorf("获取代币转账失败: %w", err)
	}

	pairs := agg.Aggregate(address, normal, internal, tokens)
	logger.Debugf("普通 %d / 内部 %d / 代币 %d 条记录，聚合为 %d 笔交易", len(normal), len(internal), len(tokens), len(pairs))

	items := make([]classified, 0, len(pairs))
	entries := make([]ledger.Entry, 0, len(pairs))
	refined := 0
	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		quote, err := ix.quoteFor(ctx, p.Timestamp())
		if err != nil {
			if isCancellation(err) {
				return nil, err
			}
			logger.WithField("tx_hash", p.Hash).Warnf("价格查询失败: %v", err)
			quote = ix.unavailable()
		}

		trade := classify.NewTrade(p.Eth, p.Token)
		if buy, ok := trade.(classify.Buy); ok && ix.refiner != nil {
			if r, ok := ix.refiner.Refine(ctx, address, p.Hash, p.Block()); ok {
				trade = buy.WithRefinement(r)
				refined++
			}
		}

		c := flatten(address, p, trade, quote)
		c.entry.Ref = i
		items = append(items, c)
		entries = append(entries, c.entry)
	}

	steps, err := ledger.Replay(entries)
	if err != nil {
		return nil, fmt.Errorf("账本重放失败: %w", err)
	}
	if result := ix.validator.ValidateLedger(steps); !result.Valid {
		logger.Warnf("账本校验发现 %d 个问题", len(result.Errors))
	}

	rows := make([]models.TxRow, 0, len(steps))
	for _, step := range steps {
		row := items[step.Entry.Ref].row
		annotate(&row, step.After)
		rows = append(rows, row)
	}
	logger.Infof("完成 %d 行，其中 %d 笔买入经日志精修", len(rows), refined)
	return rows, nil
}

// record 写入运行历史，失败只记录日志
func (ix *Indexer) record(report *Report, results *xsync.Map[string, addressResult], cancelled error) {
	if ix.recorder == nil {
		return
	}
	for _, address := range report.Addresses {
		rec := progress.RunRecord{
			RunID:      report.RunID,
			Address:    address,
			StartBlock: report.StartBlock,
			EndBlock:   report.EndBlock,
			Status:     progress.StatusOK,
			FinishedAt: report.FinishedAt,
		}
		res, ok := results.Load(address)
		switch {
		case !ok || (res.err != nil && isCancellation(res.err)):
			rec.Status = progress.StatusCancelled
		case res.err != nil:
			rec.Status = progress.StatusFailed
			rec.Error = res.err.Error()
		default:
			rec.Rows = len(res.rows)
			for _, row := range res.rows {
				if row.Block > rec.LastBlock {
					rec.LastBlock = row.Block
				}
			}
		}
		if !ok && cancelled == nil {
			continue
		}
		if err := ix.recorder.RecordAddress(rec); err != nil {
			ix.logger.Warnf("写入运行记录失败: %v", err)
		}
	}

	sum := progress.RunSummary{
		RunID:      report.RunID,
		Addresses:  len(report.Addresses),
		Failed:     len(report.Failed),
		Rows:       len(report.Rows),
		StartBlock: report.StartBlock,
		EndBlock:   report.EndBlock,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}
	if err := ix.recorder.RecordRun(sum); err != nil {
		ix.logger.Warnf("写入运行汇总失败: %v", err)
	}
}

func isCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
