package contract

import "fmt"

// Ratio: 单个 Split 的分数区间 [Begin, End)，取值 [0,1]。
type Ratio struct {
	Begin float64
	End   float64
}

// SplitMatrix: 每个 Split 一项；nil 表示该 Split 无数据。
// 调用方负责保证各项互不重叠。
type SplitMatrix [NumSplits]*Ratio

// Sizes: 每个 Split 的目标样本数（非负）。
type Sizes [NumSplits]int

// Sum 返回所有 Split 的目标样本数之和。
func (s Sizes) Sum() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// BlendEntry: 混合中的一项（原始权重 + 数据集路径前缀）。
type BlendEntry struct {
	Weight float64
	Prefix string
}

// Blend: 有序的混合描述；长度为 1 时退化为单数据集（权重被忽略）。
type Blend []BlendEntry

// Prefixes 按输入顺序返回前缀列表。
func (b Blend) Prefixes() []string {
	out := make([]string, len(b))
	for i, e := range b {
		out[i] = e.Prefix
	}
	return out
}

// IndexRange: 某数据集在单个 Split 下的元素索引，半开区间 [Begin, End)。
// Begin == End 合法（零样本）。
type IndexRange struct {
	Begin int
	End   int
}

// Len 返回区间内元素个数。
func (r IndexRange) Len() int {
	if r.End <= r.Begin {
		return 0
	}
	return r.End - r.Begin
}

// Indices 物化区间为单调递增的 int32 索引序列。
func (r IndexRange) Indices() []int32 {
	n := r.Len()
	out := make([]int32, n)
	for i := 0; i < n; i++ {
		out[i] = int32(r.Begin + i)
	}
	return out
}

// Overlaps 报告两个区间是否有交集（空区间不与任何区间相交）。
func (r IndexRange) Overlaps(o IndexRange) bool {
	if r.Len() == 0 || o.Len() == 0 {
		return false
	}
	return r.Begin < o.End && o.Begin < r.End
}

func (r IndexRange) String() string { return fmt.Sprintf("[%d,%d)", r.Begin, r.End) }
