package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"txindexer/internal/indexer"
	"txindexer/internal/pnl"
	"txindexer/internal/progress"
)

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	report := &indexer.Report{
		RunID:               "run-1",
		StartBlock:          20800000,
		EndBlock:            99999999,
		EffectiveStartBlock: 20800100,
		MaxRPS:              2,
		Currency:            "gbp",
		Addresses:           []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		Rejected:            []string{"abc"},
		Failed:              map[string]string{"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb": "请求失败"},
	}
	printReport(&buf, report, pnl.Summary{EndingTokens: 105, RealizedPnLUSD: 30.55})

	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "20800000 - 99999999")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "请求失败")
	assert.Contains(t, out, "105.000000")
	assert.Contains(t, out, "30.55 GBP")
}

func TestPrintReport_FailedSorted(t *testing.T) {
	report := &indexer.Report{
		RunID:    "run-2",
		Currency: "usd",
		Failed: map[string]string{
			"0xcccccccccccccccccccccccccccccccccccccccc": "超时",
			"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": "请求失败",
			"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb": "限流",
		},
	}
	for i := 0; i < 5; i++ {
		var buf bytes.Buffer
		printReport(&buf, report, pnl.Summary{})
		out := buf.String()
		a := strings.Index(out, "0xaaaa")
		b := strings.Index(out, "0xbbbb")
		c := strings.Index(out, "0xcccc")
		assert.True(t, a >= 0 && a < b && b < c, out)
	}
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	printRuns(&buf, nil, nil)
	assert.Contains(t, buf.String(), "暂无运行记录")

	buf.Reset()
	finished := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	printRuns(&buf,
		[]progress.RunSummary{{RunID: "run-1", Addresses: 2, Rows: 7, FinishedAt: finished}},
		[]progress.RunRecord{{Address: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Status: progress.StatusFailed, Error: "超时"}})
	assert.Contains(t, buf.String(), "2024-10-01T00:00:00Z  run-1")
	assert.Contains(t, buf.String(), "超时")
}
