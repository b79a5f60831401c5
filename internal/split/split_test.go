package split

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"blendsplit/pkg/contract"
)

func ratio(b, e float64) *contract.Ratio { return &contract.Ratio{Begin: b, End: e} }

func rng(b, e int) *contract.IndexRange { return &contract.IndexRange{Begin: b, End: e} }

// UT-SPL-01: 0.8/0.1/0.1 在 1000 个元素上切出 [0,800) [800,900) [900,1000)。
func TestRangesPartition(t *testing.T) {
	m := contract.SplitMatrix{ratio(0, 0.8), ratio(0.8, 0.9), ratio(0.9, 1.0)}
	got := Ranges(1000, m)
	want := [contract.NumSplits]*contract.IndexRange{rng(0, 800), rng(800, 900), rng(900, 1000)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("区间不符 (-want +got):\n%s", diff)
	}
	// 无间隙、无重叠、并集覆盖全部索引
	seen := make([]int, 1000)
	for _, r := range got {
		for _, i := range r.Indices() {
			seen[i]++
		}
	}
	for i, c := range seen {
		if c != 1 {
			t.Fatalf("索引 %d 被覆盖 %d 次", i, c)
		}
	}
}

func TestRangesAbsentAndEmpty(t *testing.T) {
	m := contract.SplitMatrix{ratio(0, 1), nil, ratio(1, 1)}
	got := Ranges(10, m)
	if got[contract.Valid] != nil {
		t.Fatalf("缺省比例应产生 nil")
	}
	if got[contract.Test] == nil || got[contract.Test].Len() != 0 {
		t.Fatalf("空区间应合法且为零长度: %v", got[contract.Test])
	}
	if got := Ranges(0, m); got[contract.Train].Len() != 0 {
		t.Fatalf("零元素数据集应产生空区间")
	}
}

// 取整规则：half-to-even，各 rank 一致。
func TestRoundHalfEven(t *testing.T) {
	for in, want := range map[float64]int{0.5: 0, 1.5: 2, 2.5: 2, 2.4999: 2, 2.6: 3} {
		if got := Round(in); got != want {
			t.Fatalf("Round(%v)=%d 预期 %d", in, got, want)
		}
	}
	// 5 个元素按 0.5 切分：round(2.5)=2
	got := Ranges(5, contract.SplitMatrix{ratio(0, 0.5), ratio(0.5, 1), nil})
	if diff := cmp.Diff(rng(0, 2), got[contract.Train]); diff != "" {
		t.Fatalf("half-even 边界不符:\n%s", diff)
	}
}

func TestRangesNeverOverlap(t *testing.T) {
	m, err := ParseMatrix("969,30,1")
	if err != nil {
		t.Fatalf("ParseMatrix: %v", err)
	}
	for n := 0; n < 3000; n += 7 {
		r := Ranges(n, m)
		total := 0
		for i := range r {
			total += r[i].Len()
			for j := i + 1; j < len(r); j++ {
				if r[i].Overlaps(*r[j]) {
					t.Fatalf("n=%d 区间重叠: %v %v", n, r[i], r[j])
				}
			}
		}
		if total != n {
			t.Fatalf("n=%d 区间总长 %d", n, total)
		}
	}
}

func TestParseVector(t *testing.T) {
	got, err := ParseVector(" 98 / 2 ")
	if err != nil {
		t.Fatalf("ParseVector: %v", err)
	}
	if diff := cmp.Diff([contract.NumSplits]float64{0.98, 0.02, 0}, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("向量不符:\n%s", diff)
	}
	for _, bad := range []string{"", "1,2,3,4", "1,x", "0,0,0", "-1,2"} {
		if _, err := ParseVector(bad); !errors.Is(err, contract.ErrInvalidConfiguration) {
			t.Fatalf("ParseVector(%q) 应为配置错误, got %v", bad, err)
		}
	}
}

func TestMatrix(t *testing.T) {
	m := Matrix([contract.NumSplits]float64{0.9, 0, 0.1})
	if m[contract.Valid] != nil {
		t.Fatalf("零宽度项应为 nil")
	}
	if diff := cmp.Diff(ratio(0, 0.9), m[contract.Train]); diff != "" {
		t.Fatalf("train 不符:\n%s", diff)
	}
	if m[contract.Test] == nil || m[contract.Test].End != 1 || math.Abs(m[contract.Test].Begin-0.9) > 1e-12 {
		t.Fatalf("test 不符: %+v", m[contract.Test])
	}
}

func TestSpoof(t *testing.T) {
	m := Spoof(contract.Test)
	if m[contract.Train] != nil || m[contract.Valid] != nil || *m[contract.Test] != (contract.Ratio{Begin: 0, End: 1}) {
		t.Fatalf("Spoof 矩阵错误: %+v", m)
	}
	if diff := cmp.Diff(contract.Sizes{0, 0, 50}, SpoofSizes(contract.Sizes{100, 0, 50}, contract.Test)); diff != "" {
		t.Fatalf("SpoofSizes 不符:\n%s", diff)
	}
}
