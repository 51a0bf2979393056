package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"txindexer/internal/config"
	"txindexer/internal/indexer"
	"txindexer/internal/progress"
)

// Runner 执行索引
type Runner interface {
	Run(ctx context.Context, req indexer.Request) (*indexer.Report, error)
}

// History 运行历史
type History interface {
	RecentRuns(limit int) ([]progress.RunSummary, error)
	ListAddresses() ([]progress.RunRecord, error)
}

// Server API服务器
type Server struct {
	runner     Runner
	history    History
	config     *config.Config
	stats      func() map[string]interface{}
	logger     *logrus.Logger
	logManager *LogManager
	jobs       *xsync.Map[string, *Job]
	server     *http.Server
	mu         sync.Mutex
	active     string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	now        func() time.Time
}

// indexRequest POST /api/v1/index 请求体
type indexRequest struct {
	Addresses  []string `json:"addresses" binding:"required"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	StartBlock uint64   `json:"start_block"`
}

// NewServer 创建API服务器，history 可为 nil
func NewServer(cfg *config.Config, runner Runner, history History, logger *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager, logrus.InfoLevel))

	return &Server{
		runner:     runner,
		history:    history,
		config:     cfg,
		logger:     logger,
		logManager: logManager,
		jobs:       xsync.NewMap[string, *Job](),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// WithStats 设置统计来源
func (s *Server) WithStats(fn func() map[string]interface{}) *Server {
	s.stats = fn
	return s
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	// CORS
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start(host string, port int) error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API服务器异常退出: %w", err)
	}
	return nil
}

// Stop 取消所有任务并停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("索引任务已全部结束")
	case <-ctx.Done():
		s.logger.Warn("等待索引任务结束超时")
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	// 健康检查
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		// 索引任务
		api.POST("/index", s.startIndex)
		api.GET("/jobs", s.listJobs)
		api.GET("/jobs/:id", s.getJob)
		api.GET("/jobs/:id/rows", s.getJobRows)
		api.DELETE("/jobs/:id", s.cancelJob)

		// 运行历史
		api.GET("/runs", s.getRuns)
		api.GET("/addresses", s.getAddresses)

		// 配置与统计
		api.GET("/config", s.getConfig)
		api.GET("/stats", s.getStats)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
		"service":   "txindexer-api",
	})
}

// startIndex 启动索引任务。同一时间只运行一个任务
func (s *Server) startIndex(c *gin.Context) {
	var body indexRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	if len(body.Addresses) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "地址列表为空"})
		return
	}

	req, err := indexer.NewRequest(body.Addresses, body.StartDate, body.EndDate, body.StartBlock)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != "" {
		if job, ok := s.jobs.Load(s.active); ok && !job.Status().Finished() {
			c.JSON(http.StatusConflict, gin.H{"error": "已有索引任务在运行", "job_id": s.active})
			return
		}
	}
	if s.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "服务正在停止"})
		return
	}

	id := uuid.NewString()
	req.RunID = id
	job := newJob(id, req, s.now().UTC())
	s.jobs.Store(id, job)
	s.active = id

	runCtx, runCancel := context.WithCancel(s.ctx)
	job.start(runCancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer runCancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("索引任务 %s panic: %v", id, r)
				job.finish(nil, fmt.Errorf("panic: %v", r), s.now().UTC())
			}
		}()

		report, err := s.runner.Run(runCtx, req)
		job.finish(report, err, s.now().UTC())
		if err != nil {
			s.logger.WithField("run_id", id).Errorf("索引任务结束: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": JobRunning})
}

// listJobs 列出任务
func (s *Server) listJobs(c *gin.Context) {
	views := make([]JobView, 0, s.jobs.Size())
	s.jobs.Range(func(_ string, job *Job) bool {
		views = append(views, job.View())
		return true
	})
	sortViews(views)
	c.JSON(http.StatusOK, gin.H{"jobs": views, "total": len(views)})
}

func (s *Server) lookupJob(c *gin.Context) (*Job, bool) {
	job, ok := s.jobs.Load(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return nil, false
	}
	return job, true
}

// getJob 获取任务状态与PnL汇总
func (s *Server) getJob(c *gin.Context) {
	job, ok := s.lookupJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job.View())
}

// getJobRows 获取任务明细行
func (s *Server) getJobRows(c *gin.Context) {
	job, ok := s.lookupJob(c)
	if !ok {
		return
	}
	address := strings.ToLower(strings.TrimSpace(c.Query("address")))
	rows, ready := job.Rows(address)
	if !ready {
		c.JSON(http.StatusConflict, gin.H{"error": "任务尚未完成", "status": job.Status()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "address": address, "rows": rows, "total": len(rows)})
}

// cancelJob 取消任务
func (s *Server) cancelJob(c *gin.Context) {
	job, ok := s.lookupJob(c)
	if !ok {
		return
	}
	if !job.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "任务未在运行", "status": job.Status()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "已请求取消", "job_id": c.Param("id")})
}

// getRuns 获取最近的运行记录
func (s *Server) getRuns(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行历史未启用"})
		return
	}
	limit := 20
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	runs, err := s.history.RecentRuns(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取运行历史失败", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// getAddresses 获取每个地址最近一次运行
func (s *Server) getAddresses(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行历史未启用"})
		return
	}
	records, err := s.history.ListAddresses()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取运行历史失败", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"addresses": records, "total": len(records)})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	stats := map[string]interface{}{}
	if s.stats != nil {
		stats = s.stats()
	}
	counts := map[JobStatus]int{}
	s.jobs.Range(func(_ string, job *Job) bool {
		counts[job.Status()]++
		return true
	})
	stats["jobs"] = counts
	stats["logs"] = s.logManager.Len()
	c.JSON(http.StatusOK, stats)
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	filter := LogFilter{
		Level:   c.Query("level"),
		RunID:   c.Query("run_id"),
		Address: strings.ToLower(c.Query("address")),
	}

	page := 1 // 默认第1页
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20 // 默认每页20条
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(filter, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    filter.Level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}
