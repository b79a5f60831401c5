package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Kind: 数据集种类（registry.Kind 中的名称）。
	Kind string `json:"kind"`
	// Blend: "weight, prefix, weight, prefix, ..." 或单个前缀；与 BlendPerSplit 互斥。
	Blend         string        `json:"blend"`
	BlendPerSplit BlendPerSplit `json:"blend_per_split"`
	// Split: 划分向量，如 "969,30,1"；仅与 Blend 搭配。
	Split string `json:"split"`
	Sizes Sizes  `json:"sizes"`
	// PathToCache: 描述缓存目录；为空时不读写缓存。
	PathToCache string `json:"path_to_cache"`
	RandomSeed  int64  `json:"random_seed"`
	Parallelism int    `json:"parallelism"`
	// BuildOnRanks: 需要构建数据集的 rank 列表；为空表示全部 rank。
	BuildOnRanks []int   `json:"build_on_ranks"`
	Logging      Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// BlendPerSplit: 每个 Split 独立的混合字符串；空串表示该 Split 无数据。
type BlendPerSplit struct {
	Train string `json:"train"`
	Valid string `json:"valid"`
	Test  string `json:"test"`
}

// Sizes: 每个 Split 的目标样本数。
// 覆盖层中以 -1 表示“未设置”，以便区分显式的 0。
type Sizes struct {
	Train int `json:"train"`
	Valid int `json:"valid"`
	Test  int `json:"test"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Indexed string `json:"indexed"`
	Group   string `json:"group"`
	Cache   string `json:"cache"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Indexed json.RawMessage `json:"indexed"`
	Group   json.RawMessage `json:"group"`
	Cache   json.RawMessage `json:"cache"`
}

func (b BlendPerSplit) any() bool { return b.Train != "" || b.Valid != "" || b.Test != "" }

func (b BlendPerSplit) list() [3]string { return [3]string{b.Train, b.Valid, b.Test} }

func (s Sizes) list() [3]int { return [3]int{s.Train, s.Valid, s.Test} }

func unsetSizes() Sizes { return Sizes{Train: -1, Valid: -1, Test: -1} }
