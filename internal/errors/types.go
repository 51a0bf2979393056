package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 网络相关错误
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeTimeout
	ErrorTypeRateLimit

	// 数据提供方错误
	ErrorTypeProvider
	ErrorTypePrice

	// 数据相关错误
	ErrorTypeData
	ErrorTypeValidation

	// 系统相关错误
	ErrorTypeFileIO
	ErrorTypeConfig
	ErrorTypeOutput
	ErrorTypeCancelled
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// IndexError 索引过程中的结构化错误
type IndexError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	Address   *string                `json:"address,omitempty"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *IndexError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *IndexError) WithContext(key string, value interface{}) *IndexError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAddress 添加地址
func (e *IndexError) WithAddress(address string) *IndexError {
	e.Address = &address
	return e
}

// WithTxHash 添加交易哈希
func (e *IndexError) WithTxHash(txHash string) *IndexError {
	e.TxHash = &txHash
	return e
}

// WithComponent 设置组件名
func (e *IndexError) WithComponent(component string) *IndexError {
	e.Component = component
	return e
}

// NewIndexError 创建新的错误
func NewIndexError(errorType ErrorType, severity ErrorSeverity, code, message string) *IndexError {
	return &IndexError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *IndexError {
	e := NewIndexError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeProvider:
		return true
	default:
		return false
	}
}

// 预定义错误
var (
	ErrProviderResponse = NewIndexError(ErrorTypeProvider, SeverityMedium, "PROVIDER_RESPONSE", "数据提供方返回错误")
	ErrMalformedBody    = NewIndexError(ErrorTypeData, SeverityMedium, "MALFORMED_BODY", "响应体不是有效的JSON")
	ErrConfigInvalid    = NewIndexError(ErrorTypeConfig, SeverityCritical, "CONFIG_INVALID", "配置无效")
	ErrFileIOFailed     = NewIndexError(ErrorTypeFileIO, SeverityHigh, "FILE_IO_FAILED", "文件操作失败")
	ErrOutputFailed     = NewIndexError(ErrorTypeOutput, SeverityHigh, "OUTPUT_FAILED", "输出写入失败")
)

// FetchError 重试耗尽后的临时请求错误，携带最后一次的底层错误
type FetchError struct {
	URL      string
	Attempts int
	Last     error
}

// NewFetchError 创建请求错误
func NewFetchError(url string, attempts int, last error) *FetchError {
	return &FetchError{URL: url, Attempts: attempts, Last: last}
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("请求 %s 在 %d 次尝试后失败: %v", e.URL, e.Attempts, e.Last)
}

func (e *FetchError) Unwrap() error {
	return e.Last
}

// IsFetchError 判断错误链中是否有请求错误
func IsFetchError(err error) bool {
	var fe *FetchError
	return stderrors.As(err, &fe)
}

// RunError 汇总一次索引运行中所有地址的失败
type RunError struct {
	Failures map[string]error
}

// NewRunError 创建汇总错误
func NewRunError(failures map[string]error) *RunError {
	return &RunError{Failures: failures}
}

// Addresses 返回失败地址（排序）
func (e *RunError) Addresses() []string {
	addrs := make([]string, 0, len(e.Failures))
	for addr := range e.Failures {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func (e *RunError) Error() string {
	addrs := e.Addresses()
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, fmt.Sprintf("%s: %v", addr, e.Failures[addr]))
	}
	return fmt.Sprintf("全部 %d 个地址索引失败: %s", len(addrs), strings.Join(parts, "; "))
}

// TypeOf 推断任意错误的类型
func TypeOf(err error) ErrorType {
	var ie *IndexError
	switch {
	case stderrors.As(err, &ie):
		return ie.Type
	case stderrors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case IsFetchError(err):
		return ErrorTypeNetwork
	default:
		return ErrorTypeData
	}
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNetwork:    "Network",
	ErrorTypeTimeout:    "Timeout",
	ErrorTypeRateLimit:  "RateLimit",
	ErrorTypeProvider:   "Provider",
	ErrorTypePrice:      "Price",
	ErrorTypeData:       "Data",
	ErrorTypeValidation: "Validation",
	ErrorTypeFileIO:     "FileIO",
	ErrorTypeConfig:     "Config",
	ErrorTypeOutput:     "Output",
	ErrorTypeCancelled:  "Cancelled",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计，可被多个worker并发记录
type ErrorStats struct {
	mu            sync.Mutex
	TotalErrors   int               `json:"total_errors"`
	ErrorsByType  map[ErrorType]int `json:"errors_by_type"`
	ErrorsByAddr  map[string]int    `json:"errors_by_address"`
	LastError     string            `json:"last_error"`
	LastErrorTime time.Time         `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType: make(map[ErrorType]int),
		ErrorsByAddr: make(map[string]int),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(address string, err error) {
	if err == nil {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	es.TotalErrors++
	es.ErrorsByType[TypeOf(err)]++
	if address != "" {
		es.ErrorsByAddr[address]++
	}
	es.LastError = err.Error()
	es.LastErrorTime = time.Now()
}

// Summary 以字符串键导出统计
func (es *ErrorStats) Summary() map[string]interface{} {
	es.mu.Lock()
	defer es.mu.Unlock()

	byType := make(map[string]int, len(es.ErrorsByType))
	for t, n := range es.ErrorsByType {
		byType[t.String()] = n
	}
	return map[string]interface{}{
		"total_errors":   es.TotalErrors,
		"errors_by_type": byType,
		"last_error":     es.LastError,
	}
}
