// Package split 将数据集元素按分数比例矩阵切分为互不重叠的索引区间。
package split

import (
	"math"
	"strconv"
	"strings"

	"blendsplit/pkg/contract"
)

// Round: 边界取整规则。所有 rank 必须使用同一规则，否则各 rank 计算出的区间不一致。
// 采用 round-half-to-even。
func Round(x float64) int { return int(math.RoundToEven(x)) }

// Ranges 按比例矩阵计算每个 Split 的索引区间 [round(b*n), round(e*n))。
// 缺省比例产生 nil；不做重叠校验（由配置层保证），空区间合法。
func Ranges(n int, m contract.SplitMatrix) [contract.NumSplits]*contract.IndexRange {
	var out [contract.NumSplits]*contract.IndexRange
	for s, r := range m {
		if r == nil {
			continue
		}
		beg := Round(r.Begin * float64(n))
		end := Round(r.End * float64(n))
		if end < beg {
			end = beg
		}
		out[s] = &contract.IndexRange{Begin: beg, End: end}
	}
	return out
}

// ParseVector 解析形如 "969,30,1" 或 "98/2/0" 的划分向量并归一化为和为 1。
// 少于 NumSplits 项时以 0 补齐；多于 NumSplits 项、负值或全零均视为配置错误。
func ParseVector(s string) ([contract.NumSplits]float64, error) {
	var out [contract.NumSplits]float64
	s = strings.TrimSpace(s)
	if s == "" {
		return out, contract.Invalidf("", "", "split vector empty")
	}
	sep := ","
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) > contract.NumSplits {
		return out, contract.Invalidf("", "", "split vector %q has %d entries, at most %d", s, len(parts), contract.NumSplits)
	}
	sum := 0.0
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, &contract.Error{Kind: contract.KindInvalidConfiguration, Msg: "split vector " + strconv.Quote(s), Err: err}
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return out, contract.Invalidf("", "", "split vector %q has invalid entry %v", s, v)
		}
		out[i] = v
		sum += v
	}
	if sum <= 0 {
		return out, contract.Invalidf("", "", "split vector %q sums to zero", s)
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// Matrix 将归一化向量展开为累计区间矩阵；零宽度项为 nil。
func Matrix(v [contract.NumSplits]float64) contract.SplitMatrix {
	var m contract.SplitMatrix
	acc := 0.0
	for i, f := range v {
		beg := acc
		acc += f
		if i == len(v)-1 {
			// 消除累计误差，保证末项闭合到 1
			if math.Abs(acc-1) < 1e-9 {
				acc = 1
			}
		}
		if beg == acc {
			continue
		}
		m[i] = &contract.Ratio{Begin: beg, End: acc}
	}
	return m
}

// ParseMatrix = ParseVector + Matrix。
func ParseMatrix(s string) (contract.SplitMatrix, error) {
	v, err := ParseVector(s)
	if err != nil {
		return contract.SplitMatrix{}, err
	}
	return Matrix(v), nil
}

// Spoof 构造只在 only 上覆盖整个数据集 (0,1) 的矩阵，其余 Split 为 nil。
func Spoof(only contract.Split) contract.SplitMatrix {
	var m contract.SplitMatrix
	m[only] = &contract.Ratio{Begin: 0, End: 1}
	return m
}

// SpoofSizes 构造仅 only 处为 sizes[only]、其余为 0 的目标向量。
func SpoofSizes(sizes contract.Sizes, only contract.Split) contract.Sizes {
	var out contract.Sizes
	out[only] = sizes[only]
	return out
}
