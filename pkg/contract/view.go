package contract

import "context"

// View: 交付给下游采样代码的单 Split 数据视图（单数据集视图或混合视图）。
type View interface {
	Split() Split
	// NumSamples: 该视图需能提供的目标样本数。
	NumSamples() int
	// Describe: 稳定的文本描述（同一输入在所有 rank 上一致）。
	Describe() string
}

// ViewFactory: 构建器实例化视图的入口（等价于“数据集类”）。
//   - NewSplitView: 单数据集、单 Split 视图，rng 为该 Split 的索引区间；
//   - NewBlendedView: 混合视图；parts 与 weights 按混合输入顺序对齐，weights 已归一化。
type ViewFactory interface {
	NewSplitView(ctx context.Context, ds IndexedDataset, split Split, rng IndexRange, numSamples int) (View, error)
	NewBlendedView(ctx context.Context, split Split, parts []View, weights []float64, numSamples int) (View, error)
}
