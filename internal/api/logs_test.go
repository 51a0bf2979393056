package api

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func entry(msg string, level logrus.Level, fields logrus.Fields) *logrus.Entry {
	return &logrus.Entry{Time: time.Now(), Level: level, Message: msg, Data: fields}
}

func TestLogManager_Ring(t *testing.T) {
	lm := NewLogManager(3)
	for i := 1; i <= 5; i++ {
		lm.AddLog(entry(fmt.Sprintf("m%d", i), logrus.InfoLevel, nil))
	}
	assert.Equal(t, 3, lm.Len())

	logs, total := lm.GetLogsWithPagination(LogFilter{}, 1, 10)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"m5", "m4", "m3"}, []string{logs[0].Message, logs[1].Message, logs[2].Message})

	logs, _ = lm.GetLogsWithPagination(LogFilter{}, 2, 2)
	assert.Len(t, logs, 1)
	assert.Equal(t, "m3", logs[0].Message)

	logs, _ = lm.GetLogsWithPagination(LogFilter{}, 3, 2)
	assert.Empty(t, logs)

	lm.ClearLogs()
	assert.Equal(t, 0, lm.Len())
}

func TestLogManager_Filter(t *testing.T) {
	lm := NewLogManager(10)
	lm.AddLog(entry("a", logrus.InfoLevel, logrus.Fields{"run_id": "r1", "address": addrA}))
	lm.AddLog(entry("b", logrus.ErrorLevel, logrus.Fields{"run_id": "r1", "error": fmt.Errorf("boom")}))
	lm.AddLog(entry("c", logrus.InfoLevel, logrus.Fields{"run_id": "r2"}))

	tests := []struct {
		name   string
		filter LogFilter
		want   int
	}{
		{name: "全部", filter: LogFilter{}, want: 3},
		{name: "按运行", filter: LogFilter{RunID: "r1"}, want: 2},
		{name: "按级别", filter: LogFilter{Level: "error"}, want: 1},
		{name: "按地址", filter: LogFilter{Address: addrA}, want: 1},
		{name: "组合", filter: LogFilter{RunID: "r2", Level: "error"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, total := lm.GetLogsWithPagination(tt.filter, 1, 10)
			assert.Equal(t, tt.want, total)
		})
	}

	logs, _ := lm.GetLogsWithPagination(LogFilter{Level: "error"}, 1, 10)
	assert.Equal(t, "boom", logs[0].Fields["error"])
}

func TestLogHook_Levels(t *testing.T) {
	hook := NewLogHook(NewLogManager(1), logrus.WarnLevel)
	assert.ElementsMatch(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}, hook.Levels())
}
