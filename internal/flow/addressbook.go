package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// AddressBook 用户自有地址集合，每次索引运行构建一次后只读
type AddressBook struct {
	set map[string]struct{}
}

// NewAddressBook 创建地址簿，地址统一小写，非0x开头的忽略
func NewAddressBook(addresses ...string) *AddressBook {
	b := &AddressBook{set: make(map[string]struct{}, len(addresses))}
	b.add(addresses...)
	return b
}

func (b *AddressBook) add(addresses ...string) {
	for _, a := range addresses {
		a = strings.ToLower(strings.TrimSpace(a))
		if strings.HasPrefix(a, "0x") {
			b.set[a] = struct{}{}
		}
	}
}

// Merge 返回包含两者的新地址簿
func (b *AddressBook) Merge(addresses ...string) *AddressBook {
	out := NewAddressBook(addresses...)
	for a := range b.set {
		out.set[a] = struct{}{}
	}
	return out
}

// Contains 是否为自有地址
func (b *AddressBook) Contains(address string) bool {
	if b == nil {
		return false
	}
	_, ok := b.set[strings.ToLower(address)]
	return ok
}

// Len 地址数量
func (b *AddressBook) Len() int {
	return len(b.set)
}

// Addresses 排序后的地址
func (b *AddressBook) Addresses() []string {
	out := make([]string, 0, len(b.set))
	for a := range b.set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// LoadAddressBook 读取地址文件，支持 {"addresses":[...]}、以地址为键的对象和纯列表三种格式。文件不存在时返回空地址簿
func LoadAddressBook(path string) (*AddressBook, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewAddressBook(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取地址文件失败: %w", err)
	}
	return ParseAddressBook(data)
}

// ParseAddressBook 解析地址文件内容
func ParseAddressBook(data []byte) (*AddressBook, error) {
	var list []interface{}
	if err := json.Unmarshal(data, &list); err == nil {
		return NewAddressBook(stringsOf(list)...), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("地址文件格式错误: %w", err)
	}
	if raw, ok := obj["addresses"]; ok {
		var items []interface{}
		if err := json.Unmarshal(raw, &items); err == nil {
			return NewAddressBook(stringsOf(items)...), nil
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	return NewAddressBook(keys...), nil
}

func stringsOf(items []interface{}) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
