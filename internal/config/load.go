package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：kind 与 blend/blend_per_split 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		RandomSeed:  1234,
		Parallelism: 1,
		Components: Components{
			Indexed: "mmidx",
			Group:   "local",
			Cache:   "fs",
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 未出现的 sizes 项保持 -1（未设置），由 Merge 区分。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Config{Sizes: unsetSizes()}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if v := strings.TrimSpace(over.Kind); v != "" {
		out.Kind = v
	}
	// blend 与 blend_per_split 互斥：覆盖层设置其一时清空另一方，避免跨层拼出非法组合。
	if v := strings.TrimSpace(over.Blend); v != "" {
		out.Blend = v
		out.BlendPerSplit = BlendPerSplit{}
	}
	if over.BlendPerSplit.any() {
		out.BlendPerSplit = over.BlendPerSplit
		out.Blend = ""
		out.Split = ""
	}
	if v := strings.TrimSpace(over.Split); v != "" {
		out.Split = v
	}
	// 0 为合法目标（该 Split 不取样本），-1 表示未覆盖。
	if over.Sizes.Train >= 0 {
		out.Sizes.Train = over.Sizes.Train
	}
	if over.Sizes.Valid >= 0 {
		out.Sizes.Valid = over.Sizes.Valid
	}
	if over.Sizes.Test >= 0 {
		out.Sizes.Test = over.Sizes.Test
	}
	if v := strings.TrimSpace(over.PathToCache); v != "" {
		out.PathToCache = v
	}
	if over.RandomSeed != 0 {
		out.RandomSeed = over.RandomSeed
	}
	if over.Parallelism != 0 {
		out.Parallelism = over.Parallelism
	}
	if len(over.BuildOnRanks) > 0 {
		out.BuildOnRanks = cloneInts(over.BuildOnRanks)
	}
	// Logging（仅 level）
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}

	// 组件名（空不覆盖）
	if over.Components.Indexed != "" {
		out.Components.Indexed = over.Components.Indexed
	}
	if over.Components.Group != "" {
		out.Components.Group = over.Components.Group
	}
	if over.Components.Cache != "" {
		out.Components.Cache = over.Components.Cache
	}

	// Options（完整替换对应键）
	if len(over.Options.Indexed) > 0 {
		out.Options.Indexed = cloneRaw(over.Options.Indexed)
	}
	if len(over.Options.Group) > 0 {
		out.Options.Group = cloneRaw(over.Options.Group)
	}
	if len(over.Options.Cache) > 0 {
		out.Options.Cache = cloneRaw(over.Options.Cache)
	}
	return out
}

// EnvPrefix: 配置类环境变量前缀。
const EnvPrefix = "BLENDSPLIT_"

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 BLENDSPLIT_；集合之外的键忽略。
// 支持：KIND, BLEND, BLEND_PER_SPLIT_{TRAIN,VALID,TEST}, SPLIT, SIZES_{TRAIN,VALID,TEST},
// PATH_TO_CACHE, RANDOM_SEED, PARALLELISM, BUILD_ON_RANKS, LOGGING_LEVEL,
// COMPONENTS_{INDEXED,GROUP,CACHE}, OPTIONS_{INDEXED,GROUP,CACHE}_JSON。
// 数值解析失败的键视为未设置。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// 默认：-1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.Sizes = unsetSizes()
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		switch strings.TrimPrefix(key, EnvPrefix) {
		case "KIND":
			over.Kind = strings.TrimSpace(val)
		case "BLEND":
			over.Blend = strings.TrimSpace(val)
		case "BLEND_PER_SPLIT_TRAIN":
			over.BlendPerSplit.Train = strings.TrimSpace(val)
		case "BLEND_PER_SPLIT_VALID":
			over.BlendPerSplit.Valid = strings.TrimSpace(val)
		case "BLEND_PER_SPLIT_TEST":
			over.BlendPerSplit.Test = strings.TrimSpace(val)
		case "SPLIT":
			over.Split = strings.TrimSpace(val)
		case "SIZES_TRAIN":
			if v, err := atoi(val); err == nil {
				over.Sizes.Train = v
			}
		case "SIZES_VALID":
			if v, err := atoi(val); err == nil {
				over.Sizes.Valid = v
			}
		case "SIZES_TEST":
			if v, err := atoi(val); err == nil {
				over.Sizes.Test = v
			}
		case "PATH_TO_CACHE":
			over.PathToCache = strings.TrimSpace(val)
		case "RANDOM_SEED":
			if v, err := atoi(val); err == nil {
				over.RandomSeed = int64(v)
			}
		case "PARALLELISM":
			if v, err := atoi(val); err == nil {
				over.Parallelism = v
			}
		case "BUILD_ON_RANKS":
			if v, err := ParseRanks(val); err == nil {
				over.BuildOnRanks = v
			}
		case "LOGGING_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "COMPONENTS_INDEXED":
			over.Components.Indexed = strings.TrimSpace(val)
		case "COMPONENTS_GROUP":
			over.Components.Group = strings.TrimSpace(val)
		case "COMPONENTS_CACHE":
			over.Components.Cache = strings.TrimSpace(val)
		case "OPTIONS_INDEXED_JSON":
			// 原样 JSON；空值视为未设置，避免清空现有配置
			if strings.TrimSpace(val) != "" {
				over.Options.Indexed = json.RawMessage(val)
			}
		case "OPTIONS_GROUP_JSON":
			if strings.TrimSpace(val) != "" {
				over.Options.Group = json.RawMessage(val)
			}
		case "OPTIONS_CACHE_JSON":
			if strings.TrimSpace(val) != "" {
				over.Options.Cache = json.RawMessage(val)
			}
		default:
			// 集合之外（例如 CONFIG_FILE/CONFIG_JSON 由 CLI 处理）忽略。
		}
	}
	return over, nil
}

// ParseRanks 解析逗号分隔的 rank 列表，如 "0,3"。
func ParseRanks(s string) ([]int, error) {
	parts := splitComma(s)
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := atoi(p)
		if err != nil {
			return nil, fmt.Errorf("rank %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func cloneInts(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
