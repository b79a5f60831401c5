// Package blend 计算混合权重与各数据集的过采样目标样本数。
package blend

import (
	"math"
	"strings"

	"blendsplit/pkg/contract"
)

// Margin: 固定 0.5% 过采样余量，保证加权采样不会因取整或抽样方差饿死某个数据集。
// 设计常量，不可配置。
const Margin = 1.005

// Allocation: 混合分配结果；三个切片均与混合输入顺序对齐。
type Allocation struct {
	Prefixes []string
	Weights  []float64
	// Sizes[d][s]: 数据集 d 在 Split s 上需能提供的样本数。
	Sizes []contract.Sizes
}

// Total 按 Split 汇总所有数据集的目标样本数（即混合视图的目标）。
func (a Allocation) Total() contract.Sizes {
	var out contract.Sizes
	for _, sz := range a.Sizes {
		for s := range sz {
			out[s] += sz[s]
		}
	}
	return out
}

// Normalize 将权重归一化为和为 1。
// 任一权重非正（或非有限值）时返回 KindInvalidConfiguration。
func Normalize(weights []float64) ([]float64, error) {
	if len(weights) == 0 {
		return nil, contract.Invalidf("", "", "blend has no weights")
	}
	sum := 0.0
	for i, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, contract.Invalidf("", "", "weight #%d must be positive, got %v", i, w)
		}
		sum += w
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		return nil, contract.Invalidf("", "", "weight sum must be positive, got %v", sum)
	}
	out := make([]float64, len(weights))
	for i, w := range weights {
		out[i] = w / sum
	}
	return out, nil
}

// Target 返回单个数据集在单个 Split 上的过采样目标：ceil(target * weight * Margin)。
func Target(target int, weight float64) int {
	return int(math.Ceil(float64(target) * weight * Margin))
}

// Allocate 归一化混合权重并计算每个数据集、每个 Split 的目标样本数。
func Allocate(b contract.Blend, sizes contract.Sizes) (Allocation, error) {
	if len(b) == 0 {
		return Allocation{}, contract.Invalidf("", "", "empty blend")
	}
	raw := make([]float64, len(b))
	prefixes := make([]string, len(b))
	for i, e := range b {
		if e.Prefix == "" {
			return Allocation{}, contract.Invalidf("", "", "blend entry #%d has empty prefix", i)
		}
		raw[i] = e.Weight
		prefixes[i] = e.Prefix
	}
	for s, n := range sizes {
		if n < 0 {
			return Allocation{}, contract.Invalidf("", contract.Split(s).String(), "negative target size %d", n)
		}
	}
	weights, err := Normalize(raw)
	if err != nil {
		if ce, ok := err.(*contract.Error); ok {
			ce.Msg += " (blend " + strings.Join(prefixes, ",") + ")"
		}
		return Allocation{}, err
	}
	per := make([]contract.Sizes, len(b))
	for d, w := range weights {
		for s, n := range sizes {
			per[d][s] = Target(n, w)
		}
	}
	return Allocation{Prefixes: prefixes, Weights: weights, Sizes: per}, nil
}
