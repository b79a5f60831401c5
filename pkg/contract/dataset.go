package contract

import "context"

// Kind: 数据集种类的能力描述（构建前一次性解析，不做运行期类型探测）。
//   - Multimodal: 底层索引是否携带模态信息，影响打开方式；
//   - SplitBySequence: 按序列（true）还是按文档（false）计数并切分。
type Kind struct {
	Name            string
	Multimodal      bool
	SplitBySequence bool
}

// IndexedDataset: 已构建的底层索引数据集句柄。
// 约束：构建后只读；由所有 Split/混合视图共享，生命周期跟随最长的视图。
type IndexedDataset interface {
	// Prefix: .idx/.bin 文件公共前缀。
	Prefix() string
	Multimodal() bool
	// ElementCount: splitBySequence 为 true 时返回序列数，否则返回文档数。
	ElementCount(splitBySequence bool) int
}

// IndexedOpener: 底层存储适配器；缓存文件无法读取/创建时返回 I/O 错误。
type IndexedOpener interface {
	Open(ctx context.Context, prefix string, multimodal bool) (IndexedDataset, error)
}
