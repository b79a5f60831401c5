package contract

import "context"

// ProcessGroup: 分布式进程组的只读查询 + 集合屏障。
// 核心仅消费该句柄，不管理其生命周期。
type ProcessGroup interface {
	// Distributed 报告进程组是否处于活动状态；false 时协调器直接本地构建。
	Distributed() bool
	// Rank: 当前进程序号（从 0 开始）。
	Rank() int
	WorldSize() int
	// Barrier 阻塞直到组内全部 rank 以相同 key 到达。
	// key 由调用方确定性地派生，所有 rank 上一致。
	Barrier(ctx context.Context, key string) error
}
