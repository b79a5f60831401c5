// Package local 提供进程内的进程组实现：
//   - Solo: 非分布式（单进程）句柄；
//   - Mesh: 在单进程内模拟 N 个 rank 的进程组（每个 rank 一个 goroutine），屏障按 key 汇合。
package local

import (
	"context"
	"fmt"
	"sync"

	"blendsplit/pkg/contract"
)

// Solo: 非分布式句柄；屏障立即返回。
type Solo struct{}

var _ contract.ProcessGroup = Solo{}

func (Solo) Distributed() bool { return false }
func (Solo) Rank() int { return 0 }
func (Solo) WorldSize() int { return 1 }
func (Solo) Barrier(context.Context, string) error { return nil }

// Mesh: 进程内 N-rank 进程组。
type Mesh struct {
	size int

	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	arrived map[int]bool
	done    chan struct{}
}

// NewMesh 创建 size 个 rank 的进程内组；size<1 按 1 处理。
func NewMesh(size int) *Mesh {
	if size < 1 {
		size = 1
	}
	return &Mesh{size: size, gates: make(map[string]*gate)}
}

// Size 返回 rank 数。
func (m *Mesh) Size() int { return m.size }

// Member 返回第 rank 个成员的句柄。
func (m *Mesh) Member(rank int) contract.ProcessGroup {
	return &member{mesh: m, rank: rank}
}

type member struct {
	mesh *Mesh
	rank int
}

func (p *member) Distributed() bool { return p.mesh.size > 1 }
func (p *member) Rank() int { return p.rank }
func (p *member) WorldSize() int { return p.mesh.size }

func (p *member) Barrier(ctx context.Context, key string) error {
	return p.mesh.wait(ctx, p.rank, key)
}

func (m *Mesh) wait(ctx context.Context, rank int, key string) error {
	if rank < 0 || rank >= m.size {
		return fmt.Errorf("local mesh: rank %d out of range [0,%d)", rank, m.size)
	}
	m.mu.Lock()
	g := m.gates[key]
	if g == nil {
		g = &gate{arrived: make(map[int]bool), done: make(chan struct{})}
		m.gates[key] = g
	}
	if g.arrived[rank] {
		m.mu.Unlock()
		return fmt.Errorf("local mesh: rank %d reached barrier %q twice", rank, key)
	}
	g.arrived[rank] = true
	if len(g.arrived) == m.size {
		close(g.done)
		delete(m.gates, key)
	}
	m.mu.Unlock()

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		// 已放行优先于取消
		select {
		case <-g.done:
			return nil
		default:
		}
		return ctx.Err()
	}
}

// Run 在每个 rank 上并发执行 fn，等待全部结束；返回按 rank 对齐的错误。
func (m *Mesh) Run(ctx context.Context, fn func(ctx context.Context, g contract.ProcessGroup) error) []error {
	errs := make([]error, m.size)
	var wg sync.WaitGroup
	for r := 0; r < m.size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(ctx, m.Member(r))
		}(r)
	}
	wg.Wait()
	return errs
}
