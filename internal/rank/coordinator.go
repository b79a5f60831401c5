// Package rank 负责分布式构建顺序：rank 0 先构建（可能首次物化缓存），
// 全体在屏障处汇合，其余 rank 随后构建（命中缓存）。
package rank

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"sync"
	"time"

	"blendsplit/internal/diag"
	"blendsplit/pkg/contract"
)

// Phase: 单次协调构建所处阶段。
type Phase int

const (
	Idle Phase = iota
	RankZeroBuilding
	BarrierWait
	OtherRanksBuilding
	Done
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case RankZeroBuilding:
		return "rank0_building"
	case BarrierWait:
		return "barrier_wait"
	case OtherRanksBuilding:
		return "other_ranks_building"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// cacheGuidance 附在 rank 0 物化失败的错误上。
const cacheGuidance = "failed to write dataset materials to the data cache directory; " +
	"make sure the cache directory (path_to_cache) is writable by this process, " +
	"or pre-build the cache on a writable filesystem"

// Coordinator 持有进程组句柄与每个屏障 key 的出现次数。
// 同一 key 在所有 rank 上以相同次序出现，因此 "key#n" 在组内一致。
type Coordinator struct {
	group  contract.ProcessGroup
	logger *diag.Logger

	mu   sync.Mutex
	seen map[string]int
}

// New 创建协调器；group 为 nil 时按非分布式处理。
func New(group contract.ProcessGroup, logger *diag.Logger) *Coordinator {
	return &Coordinator{group: group, logger: logger, seen: make(map[string]int)}
}

// Distributed 报告进程组是否处于活动状态。
func (c *Coordinator) Distributed() bool { return c.group != nil && c.group.Distributed() }

// Rank 返回当前 rank；非分布式时为 0。
func (c *Coordinator) Rank() int {
	if !c.Distributed() {
		return 0
	}
	return c.group.Rank()
}

// FirstBuilder 报告当前 rank 是否承担首次物化（rank 0 或非分布式）。
func (c *Coordinator) FirstBuilder() bool { return c.Rank() == 0 }

func (c *Coordinator) barrierKey(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.seen[key]
	c.seen[key] = n + 1
	return key + "#" + strconv.Itoa(n)
}

// Build 以 rank 感知的顺序执行 fn。
//   - 非分布式：直接调用 fn（忽略 onRank），错误原样返回；
//   - 分布式：rank 0 在 onRank() 为真时先构建，全体以派生 key 汇合屏障，
//     其余 rank 在 onRank() 为真时随后构建。
//
// onRank 为 nil 视为恒真。返回值 ok=false 表示当前 rank 未构建。
// rank 0 构建时的文件系统错误被包装为 KindMaterialization 并立即返回（不进入屏障）。
func Build[T any](ctx context.Context, c *Coordinator, key, prefix, split string, onRank func() bool, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if !c.Distributed() {
		v, err := fn(ctx)
		if err != nil {
			return zero, false, err
		}
		return v, true, nil
	}
	built := onRank == nil || onRank()
	rank := c.group.Rank()
	bkey := c.barrierKey(key)
	t0 := time.Now()
	c.phase(Idle, bkey, prefix, split)

	var (
		out T
		ok  bool
	)
	if rank == 0 && built {
		c.phase(RankZeroBuilding, bkey, prefix, split)
		v, err := fn(ctx)
		if err != nil {
			err = materialization(err, prefix, split)
			c.logger.ErrorWithKV("rank", string(diag.Classify(err)), "first build failed", &t0, prefix, split, map[string]string{"key": bkey, "err": err.Error()})
			diag.IncError("rank", string(diag.Classify(err)))
			return zero, false, err
		}
		out, ok = v, true
	}

	c.phase(BarrierWait, bkey, prefix, split)
	if err := c.group.Barrier(ctx, bkey); err != nil {
		diag.IncError("rank", string(diag.Classify(err)))
		return zero, false, fmt.Errorf("barrier %s: %w", bkey, err)
	}
	diag.ObserveDuration("rank", "barrier", time.Since(t0).Milliseconds())

	if rank != 0 && built {
		c.phase(OtherRanksBuilding, bkey, prefix, split)
		v, err := fn(ctx)
		if err != nil {
			return zero, false, err
		}
		out, ok = v, true
	}
	c.phase(Done, bkey, prefix, split)
	result := "skipped"
	if ok {
		result = "built"
	}
	diag.IncOp("rank", "build", result)
	return out, ok, nil
}

func (c *Coordinator) phase(p Phase, key, prefix, split string) {
	c.logger.Debug("rank", "phase", p.String(), prefix, split, map[string]string{"key": key, "rank": strconv.Itoa(c.Rank())})
}

// materialization 把存储层错误包装为带指引的物化错误；已分类的构建错误原样返回。
func materialization(err error, prefix, split string) error {
	var ce *contract.Error
	if errors.As(err, &ce) {
		return err
	}
	var perr *fs.PathError
	if !errors.As(err, &perr) && !errors.Is(err, fs.ErrPermission) && !errors.Is(err, contract.ErrIO) {
		return err
	}
	return &contract.Error{Kind: contract.KindMaterialization, Prefix: prefix, Split: split, Msg: cacheGuidance, Err: err}
}
