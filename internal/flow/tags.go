package flow

import (
	"sort"
	"strings"
)

// 来源标记
const (
	TagInternal         = "internal"
	TagInternalIn       = "internal_in"
	TagInternalOut      = "internal_out"
	TagIncomingExternal = "incoming_external"
	TagSelfOut          = "self_out"
	TagStakingReward    = "staking_reward"
	TagNodeReward       = "node_reward"
)

// Tags 字符串集合
type Tags map[string]struct{}

// NewTags 创建集合
func NewTags(items ...string) Tags {
	t := make(Tags, len(items))
	t.Add(items...)
	return t
}

// Add 添加元素
func (t Tags) Add(items ...string) {
	for _, item := range items {
		t[item] = struct{}{}
	}
}

// Has 是否包含
func (t Tags) Has(item string) bool {
	_, ok := t[item]
	return ok
}

// Union 返回新的并集
func (t Tags) Union(others ...Tags) Tags {
	out := make(Tags, len(t))
	for k := range t {
		out[k] = struct{}{}
	}
	for _, o := range others {
		for k := range o {
			out[k] = struct{}{}
		}
	}
	return out
}

// Sorted 排序后的元素
func (t Tags) Sorted() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Join 排序后以分号连接
func (t Tags) Join() string {
	return strings.Join(t.Sorted(), ";")
}
