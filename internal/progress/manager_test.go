package progress

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := NewManager(filepath.Join(t.TempDir(), "nested", "runs.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRecordAddress_Overwrites(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.RecordAddress(RunRecord{RunID: "r1", Address: "0xb", Rows: 3, Status: StatusOK}))
	require.NoError(t, m.RecordAddress(RunRecord{RunID: "r1", Address: "0xa", Status: StatusFailed, Error: "HTTP 500"}))
	require.NoError(t, m.RecordAddress(RunRecord{RunID: "r2", Address: "0xb", Rows: 5, LastBlock: 99, Status: StatusOK}))

	rec, ok, err := m.GetAddress("0xb")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", rec.RunID)
	assert.Equal(t, 5, rec.Rows)
	assert.Equal(t, uint64(99), rec.LastBlock)

	_, ok, err = m.GetAddress("0xmissing")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := m.ListAddresses()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "0xa", all[0].Address)
	assert.Equal(t, "HTTP 500", all[0].Error)
}

func TestRecentRuns_NewestFirst(t *testing.T) {
	m := newTestManager(t)

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, m.RecordRun(RunSummary{RunID: id, Rows: i, FinishedAt: time.Unix(int64(i), 0).UTC()}))
	}

	runs, err := m.RecentRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, "r2", runs[1].RunID)

	all, err := m.RecentRuns(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReset(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.RecordAddress(RunRecord{Address: "0xa"}))
	require.NoError(t, m.RecordRun(RunSummary{RunID: "r1"}))

	assert.Equal(t, 1, m.GetStats()["addresses"])
	require.NoError(t, m.Reset())

	all, err := m.ListAddresses()
	require.NoError(t, err)
	assert.Empty(t, all)
	runs, err := m.RecentRuns(0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Equal(t, 0, m.GetStats()["runs"])
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	m, err := NewManager(path, nil)
	require.NoError(t, err)
	require.NoError(t, m.RecordAddress(RunRecord{Address: "0xa", Rows: 7}))
	require.NoError(t, m.Close())

	m, err = NewManager(path, nil)
	require.NoError(t, err)
	defer m.Close()
	rec, ok, err := m.GetAddress("0xa")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, rec.Rows)
	assert.Equal(t, path, m.GetDBPath())
}
