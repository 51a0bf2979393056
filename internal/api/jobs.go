package api

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"txindexer/internal/indexer"
	"txindexer/internal/pnl"
	"txindexer/pkg/models"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Finished 是否已结束
func (s JobStatus) Finished() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job 一次索引任务
type Job struct {
	mu         sync.RWMutex
	id         string
	request    indexer.Request
	status     JobStatus
	report     *indexer.Report
	summary    *pnl.Summary
	err        string
	createdAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
}

// JobView 任务的对外视图，不含明细行
type JobView struct {
	ID                  string            `json:"id"`
	Status              JobStatus         `json:"status"`
	Addresses           []string          `json:"addresses"`
	Rejected            []string          `json:"rejected,omitempty"`
	Failed              map[string]string `json:"failed,omitempty"`
	StartBlock          uint64            `json:"start_block,omitempty"`
	EndBlock            uint64            `json:"end_block,omitempty"`
	EffectiveStartBlock uint64            `json:"effective_start_block,omitempty"`
	MaxRPS              float64           `json:"max_rps,omitempty"`
	Rows                int               `json:"rows"`
	Summary             *pnl.Summary      `json:"summary,omitempty"`
	Error               string            `json:"error,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	FinishedAt          *time.Time        `json:"finished_at,omitempty"`
}

func newJob(id string, req indexer.Request, now time.Time) *Job {
	return &Job{id: id, request: req, status: JobPending, createdAt: now}
}

func (j *Job) start(cancel context.CancelFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobRunning
	j.cancel = cancel
}

// finish 记录结果。取消时保留部分结果
func (j *Job) finish(report *indexer.Report, err error, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.report = report
	j.finishedAt = now
	j.cancel = nil
	if report != nil {
		summary := pnl.Summarize(report.Rows)
		j.summary = &summary
	}

	switch {
	case err == nil:
		j.status = JobSucceeded
	case stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded):
		j.status = JobCancelled
		j.err = err.Error()
	default:
		j.status = JobFailed
		j.err = err.Error()
	}
}

// Cancel 取消运行中的任务，返回是否发出了取消
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel == nil {
		return false
	}
	j.cancel()
	return true
}

// Status 当前状态
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// View 任务快照
func (j *Job) View() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()

	v := JobView{
		ID:        j.id,
		Status:    j.status,
		Addresses: j.request.Addresses,
		Summary:   j.summary,
		Error:     j.err,
		CreatedAt: j.createdAt,
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		v.FinishedAt = &finished
	}
	if r := j.report; r != nil {
		v.Addresses = r.Addresses
		v.Rejected = r.Rejected
		v.Failed = r.Failed
		v.StartBlock = r.StartBlock
		v.EndBlock = r.EndBlock
		v.EffectiveStartBlock = r.EffectiveStartBlock
		v.MaxRPS = r.MaxRPS
		v.Rows = len(r.Rows)
	}
	return v
}

// Rows 明细行，address 非空时只返回该地址
func (j *Job) Rows(address string) ([]models.TxRow, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.report == nil {
		return nil, false
	}
	if address == "" {
		return j.report.Rows, true
	}
	return j.report.RowsFor(address), true
}

// sortViews 按创建时间倒序
func sortViews(views []JobView) {
	sort.SliceStable(views, func(i, k int) bool {
		return views[i].CreatedAt.After(views[k].CreatedAt)
	})
}
