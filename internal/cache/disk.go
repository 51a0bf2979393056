// Package cache 按请求签名存放响应快照的磁盘缓存
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store 缓存读写接口
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, data []byte) error
}

// DiskCache 每个键一个文件，无过期，可整体删除以强制重新获取
type DiskCache struct {
	dir string
	ext string
}

// NewDiskCache 创建磁盘缓存，目录不存在时创建
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	return &DiskCache{dir: dir, ext: ".json"}, nil
}

// Dir 缓存目录
func (c *DiskCache) Dir() string {
	return c.dir
}

// Path 键对应的文件路径
func (c *DiskCache) Path(key string) string {
	return filepath.Join(c.dir, SanitizeKey(key)+c.ext)
}

// Get 读取缓存，不存在时返回 false
func (c *DiskCache) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(c.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取缓存 %s 失败: %w", key, err)
	}
	return data, true, nil
}

// Put 写入缓存，先写临时文件再改名，并发写同一键以最后一次为准
func (c *DiskCache) Put(key string, data []byte) error {
	tmp, err := c.writeTemp(data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, c.Path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("写入缓存 %s 失败: %w", key, err)
	}
	return nil
}

// PutIfAbsent 仅在键不存在时写入，返回是否由本次写入
func (c *DiskCache) PutIfAbsent(key string, data []byte) (bool, error) {
	tmp, err := c.writeTemp(data)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, c.Path(key)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("写入缓存 %s 失败: %w", key, err)
	}
	return true, nil
}

func (c *DiskCache) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("关闭临时文件失败: %w", err)
	}
	return name, nil
}

// SanitizeKey 把键中的非文件名字符替换为下划线
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
