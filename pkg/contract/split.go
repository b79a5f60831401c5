package contract

import "strings"

// Split: 逻辑数据划分（有序、基数固定）。
// 其序号用于索引各类并行数组（SplitMatrix / Sizes / 输出结果）。
type Split int

const (
	Train Split = iota
	Valid
	Test
)

// NumSplits: Split 的基数。
const NumSplits = 3

// Splits 按序返回全部 Split。
func Splits() [NumSplits]Split { return [NumSplits]Split{Train, Valid, Test} }

func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Valid:
		return "valid"
	case Test:
		return "test"
	default:
		return "unknown"
	}
}

// ParseSplit 将名称映射为 Split（大小写不敏感；接受 validation 作为 valid 的别名）。
func ParseSplit(name string) (Split, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "train":
		return Train, true
	case "valid", "validation":
		return Valid, true
	case "test":
		return Test, true
	default:
		return 0, false
	}
}
