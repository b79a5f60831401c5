package config

import (
	"strconv"
	"strings"

	"blendsplit/pkg/contract"
)

// ParseBlend 解析混合字符串：
//   - "weight, prefix, weight, prefix, ..."（逗号或空白分隔）；
//   - 单个前缀（无权重，退化为单数据集）。
//
// 多于一项时项数必须为偶数、权重必须为数字；权重正负留给分配阶段校验。
func ParseBlend(s string) (contract.Blend, error) {
	toks := tokens(s)
	switch len(toks) {
	case 0:
		return nil, contract.Invalidf("", "", "blend is empty")
	case 1:
		return contract.Blend{{Weight: 1, Prefix: toks[0]}}, nil
	}
	if len(toks)%2 != 0 {
		return nil, contract.Invalidf("", "", "blend %q has %d elements, want weight/prefix pairs", s, len(toks))
	}
	out := make(contract.Blend, 0, len(toks)/2)
	for i := 0; i < len(toks); i += 2 {
		w, err := strconv.ParseFloat(toks[i], 64)
		if err != nil {
			return nil, &contract.Error{Kind: contract.KindInvalidConfiguration, Prefix: toks[i+1], Msg: "blend weight " + strconv.Quote(toks[i]), Err: err}
		}
		out = append(out, contract.BlendEntry{Weight: w, Prefix: toks[i+1]})
	}
	return out, nil
}

func tokens(s string) []string {
	var raw []string
	if strings.Contains(s, ",") {
		raw = strings.Split(s, ",")
	} else {
		raw = strings.Fields(s)
	}
	out := raw[:0]
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
