package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskCache_GetPut(t *testing.T) {
	c, err := NewDiskCache(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	_, ok, err := c.Get("txlist_0xabc_1_2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("txlist_0xabc_1_2", []byte(`{"status":"1"}`)))
	data, ok, err := c.Get("txlist_0xabc_1_2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"status":"1"}`, string(data))

	assert.FileExists(t, filepath.Join(c.Dir(), "txlist_0xabc_1_2.json"))
}

func TestDiskCache_PutIfAbsent(t *testing.T) {
	c, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	wrote, err := c.PutIfAbsent("eth_price_300", []byte("first"))
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = c.PutIfAbsent("eth_price_300", []byte("second"))
	require.NoError(t, err)
	assert.False(t, wrote)

	data, _, _ := c.Get("eth_price_300")
	assert.Equal(t, "first", string(data))

	entries, _ := os.ReadDir(c.Dir())
	assert.Len(t, entries, 1) // 临时文件已清理
}

func TestDiskCache_ConcurrentPut(t *testing.T) {
	c, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Put("same", []byte(`{"a":1}`)))
		}()
	}
	wg.Wait()

	data, ok, err := c.Get("same")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"logs_0xabc_1_2_0xddf252ad", "logs_0xabc_1_2_0xddf252ad"},
		{"a/b\\c:d", "a_b_c_d"},
		{"../etc", ".._etc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, SanitizeKey(tt.key))
	}
}
