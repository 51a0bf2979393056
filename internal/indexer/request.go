package indexer

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout 日期参数格式，按UTC解析
const DateLayout = "2006-01-02"

// ParseDate 解析 YYYY-MM-DD 或 RFC3339，空串返回 nil
func ParseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.ParseInLocation(DateLayout, value, time.UTC); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("无效日期 %q，应为 %s 或 RFC3339", value, DateLayout)
	}
	t = t.UTC()
	return &t, nil
}

// NewRequest 由字符串参数构造请求，startBlock 为 0 表示使用默认起始区块
func NewRequest(addresses []string, startDate, endDate string, startBlock uint64) (Request, error) {
	req := Request{Addresses: addresses}
	var err error
	if req.StartDate, err = ParseDate(startDate); err != nil {
		return req, err
	}
	if req.EndDate, err = ParseDate(endDate); err != nil {
		return req, err
	}
	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		return req, fmt.Errorf("结束日期早于开始日期")
	}
	if startBlock > 0 {
		req.StartBlock = &startBlock
	}
	return req, nil
}
