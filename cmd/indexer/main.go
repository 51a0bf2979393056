package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"txindexer/internal/config"
	"txindexer/internal/indexer"
	"txindexer/internal/logging"
	"txindexer/internal/output"
	"txindexer/internal/pnl"
	"txindexer/internal/progress"
	"txindexer/internal/shutdown"
)

var (
	// 基础参数
	startDate  string
	endDate    string
	startBlock uint64
	rps        float64
	currency   string

	// 输出参数
	outputPath string
	format     string

	// 高级参数
	configFile string
	verbose    bool

	// 子命令参数
	runsLimit int
	priceTs   int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "indexer",
		Short:         "地址交易索引与分类工具",
		Long:          `按地址抓取ETH与代币流水，分类为买入/卖出/质押等交易，附加历史价格并重放余额`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径（为空时使用默认值与环境变量）")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	indexCmd := &cobra.Command{
		Use:   "index <address>...",
		Short: "索引一个或多个地址",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIndex,
	}
	indexCmd.Flags().StringVar(&startDate, "start-date", "", "开始日期 YYYY-MM-DD (UTC)")
	indexCmd.Flags().StringVar(&endDate, "end-date", "", "结束日期 YYYY-MM-DD (UTC)")
	indexCmd.Flags().Uint64Var(&startBlock, "start-block", 0, "起始区块（默认取配置）")
	indexCmd.Flags().Float64Var(&rps, "rps", 0, "每秒最大请求数（默认取配置）")
	indexCmd.Flags().StringVar(&currency, "currency", "", "计价货币 usd|gbp")
	indexCmd.Flags().StringVar(&outputPath, "output", "", "输出目录")
	indexCmd.Flags().StringVar(&format, "format", "", "输出格式 (json|csv|kafka|postgres)")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "查看运行历史",
		RunE:  showRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 10, "显示最近的运行次数")

	priceCmd := &cobra.Command{
		Use:   "price",
		Short: "查询某时刻的ETH价格",
		RunE:  showPrice,
	}
	priceCmd.Flags().Int64Var(&priceTs, "ts", 0, "Unix 时间戳（默认当前时间）")
	priceCmd.Flags().StringVar(&currency, "currency", "usd", "计价货币 usd|gbp")

	rootCmd.AddCommand(indexCmd, runsCmd, priceCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置并创建日志
func setup() (*config.Config, *logrus.Logger, io.Closer, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closer, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("创建日志失败: %w", err)
	}
	return cfg, logger, closer, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer closeQuietly(logCloser)

	if outputPath != "" {
		cfg.Output.Directory = outputPath
	}
	if format != "" {
		cfg.Output.Format = strings.ToLower(format)
	}
	if currency != "" {
		cfg.Price.Currency = strings.ToLower(currency)
	}

	req, err := indexer.NewRequest(args, startDate, endDate, startBlock)
	if err != nil {
		return err
	}

	rt, err := indexer.Build(cfg, indexer.Options{MaxRPS: rps}, logger)
	if err != nil {
		return fmt.Errorf("初始化索引器失败: %w", err)
	}
	outputter, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		_ = rt.Close()
		return fmt.Errorf("创建输出器失败: %w", err)
	}

	// 收到信号先取消索引，等部分结果写完再关闭输出与历史库
	written := make(chan struct{})
	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.Register("index", func(ctx context.Context) error {
		select {
		case <-written:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, shutdown.OrderWaitForActiveJobs)
	gs.Register("output", func(ctx context.Context) error {
		return outputter.Close()
	}, shutdown.OrderFlushOutputs)
	gs.Register("runtime", func(ctx context.Context) error {
		return rt.Close()
	}, shutdown.OrderSaveState)
	gs.Start()
	defer gs.Close()
	defer close(written)

	report, runErr := rt.Indexer.Run(gs.Context(), req)
	if report == nil {
		return runErr
	}

	if len(report.Rows) > 0 {
		if err := outputter.WriteRows(report.Rows); err != nil {
			return fmt.Errorf("写入输出失败: %w", err)
		}
	}
	if fo, ok := outputter.(*output.FileOutput); ok {
		logger.Infof("已写入 %d 行到 %s", len(report.Rows), fo.Path())
	}

	printReport(os.Stdout, report, pnl.Summarize(report.Rows))
	logger.Debugf("运行统计: %v", rt.GetStats())
	return runErr
}

// printReport 打印运行结果
func printReport(w io.Writer, report *indexer.Report, summary pnl.Summary) {
	fmt.Fprintln(w, "📊 索引结果")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%-20s: %s\n", "运行ID", report.RunID)
	fmt.Fprintf(w, "%-20s: %d - %d\n", "区块范围", report.StartBlock, report.EndBlock)
	fmt.Fprintf(w, "%-20s: %d\n", "有效起始区块", report.EffectiveStartBlock)
	fmt.Fprintf(w, "%-20s: %.2f\n", "请求速率", report.MaxRPS)
	fmt.Fprintf(w, "%-20s: %d\n", "地址数", len(report.Addresses))
	fmt.Fprintf(w, "%-20s: %d\n", "交易行数", len(report.Rows))
	for _, rejected := range report.Rejected {
		fmt.Fprintf(w, "%-20s: %s\n", "忽略的地址", rejected)
	}
	failed := make([]string, 0, len(report.Failed))
	for address := range report.Failed {
		failed = append(failed, address)
	}
	sort.Strings(failed)
	for _, address := range failed {
		fmt.Fprintf(w, "%-20s: %s (%s)\n", "失败的地址", address, report.Failed[address])
	}

	fmt.Fprintln(w, strings.Repeat("-", 50))
	cur := strings.ToUpper(report.Currency)
	fmt.Fprintf(w, "%-20s: %.6f\n", "期末持仓", summary.EndingTokens)
	fmt.Fprintf(w, "%-20s: %.6f %s\n", "平均成本", summary.AvgCostUSD, cur)
	fmt.Fprintf(w, "%-20s: %.2f %s\n", "市值", summary.MarketValueUSD, cur)
	fmt.Fprintf(w, "%-20s: %.2f %s\n", "已实现盈亏", summary.RealizedPnLUSD, cur)
	fmt.Fprintf(w, "%-20s: %.2f %s\n", "未实现盈亏", summary.UnrealizedPnLUSD, cur)
	fmt.Fprintf(w, "%-20s: %.2f %s\n", "Gas费合计", summary.FeesUSDTotal, cur)
	fmt.Fprintf(w, "%-20s: %.2f %s\n", "代币税合计", summary.TaxUSDTotal, cur)
}

// showRuns 显示运行历史
func showRuns(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer closeQuietly(logCloser)

	manager, err := progress.NewManager(cfg.Progress.DBPath, logger)
	if err != nil {
		return err
	}
	defer manager.Close()

	runs, err := manager.RecentRuns(runsLimit)
	if err != nil {
		return err
	}
	records, err := manager.ListAddresses()
	if err != nil {
		return err
	}
	printRuns(os.Stdout, runs, records)
	return nil
}

// printRuns 打印运行历史
func printRuns(w io.Writer, runs []progress.RunSummary, records []progress.RunRecord) {
	fmt.Fprintln(w, "📊 最近运行")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	if len(runs) == 0 {
		fmt.Fprintln(w, "暂无运行记录")
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %s  地址 %d 失败 %d 行 %d 区块 %d - %d\n",
			r.FinishedAt.Format(time.RFC3339), r.RunID, r.Addresses, r.Failed, r.Rows, r.StartBlock, r.EndBlock)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "📊 地址状态")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	for _, rec := range records {
		line := fmt.Sprintf("%s  %-9s 行 %d 最后区块 %d", rec.Address, rec.Status, rec.Rows, rec.LastBlock)
		if rec.Error != "" {
			line += "  " + rec.Error
		}
		fmt.Fprintln(w, line)
	}
}

// showPrice 查询价格
func showPrice(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer closeQuietly(logCloser)
	cfg.Progress.Enabled = false

	rt, err := indexer.Build(cfg, indexer.Options{}, logger)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	defer rt.Close()

	ts := priceTs
	if ts <= 0 {
		ts = time.Now().Unix()
	}

	gs := shutdown.NewGracefulShutdown(5*time.Second, logger)
	gs.Start()
	defer gs.Close()

	quote, err := rt.Oracle.QuoteAt(gs.Context(), ts, currency)
	if err != nil {
		return fmt.Errorf("查询价格失败: %w", err)
	}
	if !quote.Available() {
		fmt.Printf("%s %s: 不可用\n", time.Unix(ts, 0).UTC().Format(time.RFC3339), strings.ToUpper(currency))
		return nil
	}
	fmt.Printf("%s %s: %s (来源: %s)\n", time.Unix(ts, 0).UTC().Format(time.RFC3339),
		strings.ToUpper(currency), quote.Price.StringFixed(2), quote.Source)
	return nil
}
