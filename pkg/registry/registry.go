package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"blendsplit/pkg/contract"
	cfs "blendsplit/plugins/cache/filesystem"
	glocal "blendsplit/plugins/group/local"
	gtcp "blendsplit/plugins/group/tcp"
	"blendsplit/plugins/indexed/mmidx"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Kind 数据集种类注册表：名称 → 能力描述（构建前一次性解析）。
var Kind = map[string]contract.Kind{
	// gpt: 按序列计数与切分
	"gpt": {Name: "gpt", SplitBySequence: true},
	// multimodal: 携带模态数组的索引，按序列切分
	"multimodal": {Name: "multimodal", Multimodal: true, SplitBySequence: true},
	// masked: 按文档切分（掩码语言模型类样本跨序列拼接）
	"masked": {Name: "masked"},
}

// NewIndexed 工厂签名：接收原样 JSON Options。
type NewIndexed func(raw json.RawMessage) (contract.IndexedOpener, error)

// NewGroup 工厂签名：建立进程组可能阻塞（等待其他 rank），因此接收 ctx。
type NewGroup func(ctx context.Context, raw json.RawMessage) (contract.ProcessGroup, error)

// NewCache 工厂签名：dir 为配置的 path_to_cache，Options 中的 dir 优先。
type NewCache func(dir string, raw json.RawMessage) (contract.CacheStore, error)

// Indexed 工厂注册表。
var Indexed = map[string]NewIndexed{
	// mmidx: MMIDIDX .idx/.bin 头部读取
	"mmidx": func(raw json.RawMessage) (contract.IndexedOpener, error) {
		var opts mmidx.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return mmidx.New(&opts), nil
	},
}

// Group 工厂注册表。
var Group = map[string]NewGroup{
	// local: 单进程（非分布式）
	"local": func(_ context.Context, raw json.RawMessage) (contract.ProcessGroup, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return glocal.Solo{}, nil
	},
	// tcp: rank 0 监听汇合；缺省项取自 RANK/WORLD_SIZE/MASTER_ADDR/MASTER_PORT
	"tcp": func(ctx context.Context, raw json.RawMessage) (contract.ProcessGroup, error) {
		var opts gtcp.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return gtcp.Open(ctx, opts)
	},
}

// Cache 工厂注册表。
var Cache = map[string]NewCache{
	// fs: 目录缓存（默认原子替换）
	"fs": func(dir string, raw json.RawMessage) (contract.CacheStore, error) {
		var opts cfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		if opts.Dir == "" {
			opts.Dir = dir
		}
		return cfs.New(&opts)
	},
}
