package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown 优雅停机管理器。收到信号先取消运行上下文，再按顺序执行清理
type GracefulShutdown struct {
	logger         *logrus.Logger
	timeout        time.Duration
	hooks          []hook
	mu             sync.Mutex
	signalChan     chan os.Signal
	stop           chan struct{}
	stopOnce       sync.Once
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	done           chan struct{}
	isShuttingDown bool
}

// hook 停机处理函数，order 越小越早执行
type hook struct {
	name  string
	fn    func(ctx context.Context) error
	order int
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	return NewGracefulShutdownWithParent(context.Background(), timeout, logger)
}

// NewGracefulShutdownWithParent 基于父上下文创建
func NewGracefulShutdownWithParent(parent context.Context, timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(parent)
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	gs.hooks = append(gs.hooks, hook{name: name, fn: fn, order: order})
	gs.mu.Unlock()
	gs.logger.Debugf("注册停机处理: %s (order: %d)", name, order)
}

// Start 启动信号监听
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	gs.wg.Add(1)
	go gs.signalHandler()
	gs.logger.Debug("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Context 运行上下文，停机开始时取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机流程完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Shutdown 手动触发停机
func (gs *GracefulShutdown) Shutdown() {
	if !gs.begin() {
		return
	}
	gs.logger.Info("手动触发优雅停机...")
	gs.performShutdown()
}

func (gs *GracefulShutdown) begin() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.isShuttingDown {
		return false
	}
	gs.isShuttingDown = true
	return true
}

// signalHandler 信号处理器
func (gs *GracefulShutdown) signalHandler() {
	defer gs.wg.Done()

	select {
	case sig := <-gs.signalChan:
		gs.logger.Infof("收到停机信号: %v", sig)
		if !gs.begin() {
			gs.logger.Warn("停机过程已在进行中，忽略信号")
			return
		}
		gs.performShutdown()
	case <-gs.stop:
	}
}

// performShutdown 取消运行上下文后按顺序执行停机函数
func (gs *GracefulShutdown) performShutdown() {
	defer close(gs.done)
	gs.logger.Info("开始优雅停机流程...")
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	failed := 0
	for _, h := range gs.sortedHooks() {
		start := time.Now()
		if err := h.fn(shutdownCtx); err != nil {
			failed++
			gs.logger.Errorf("停机处理 %s 失败 (耗时: %v): %v", h.name, time.Since(start), err)
		} else {
			gs.logger.Debugf("停机处理 %s 完成 (耗时: %v)", h.name, time.Since(start))
		}
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超过 %v，跳过剩余处理", gs.timeout)
			return
		}
	}

	if failed > 0 {
		gs.logger.Errorf("停机过程中 %d 个处理失败", failed)
	}
	gs.logger.Info("优雅停机流程完成")
}

// sortedHooks 按 order 稳定排序的副本
func (gs *GracefulShutdown) sortedHooks() []hook {
	gs.mu.Lock()
	hooks := make([]hook, len(gs.hooks))
	copy(hooks, gs.hooks)
	gs.mu.Unlock()
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].order < hooks[j].order })
	return hooks
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

// Hooks 按执行顺序返回已注册的处理名称
func (gs *GracefulShutdown) Hooks() []string {
	hooks := gs.sortedHooks()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.name
	}
	return names
}

// Close 停止信号监听，未停机时执行停机
func (gs *GracefulShutdown) Close() error {
	signal.Stop(gs.signalChan)
	gs.stopOnce.Do(func() { close(gs.stop) })
	gs.wg.Wait()
	gs.Shutdown()
	return nil
}

// 停机顺序
const (
	OrderStopAcceptingRequests = 10 // 停止接受新请求
	OrderWaitForActiveJobs     = 20 // 等待运行中的索引任务
	OrderFlushOutputs          = 30 // 刷新输出
	OrderCloseConnections      = 40 // 关闭数据库/外部服务连接
	OrderSaveState             = 50 // 保存运行历史
)
