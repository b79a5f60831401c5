package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	cfs "blendsplit/plugins/cache/filesystem"
)

// UT-REG-01: 严格解码
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	if err := strictUnmarshal(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1}`), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 JSON 解析失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o); err == nil {
		t.Fatalf("未知字段应报错")
	}
}

// UT-REG-02: 种类能力描述
func TestKinds(t *testing.T) {
	if k := Kind["gpt"]; !k.SplitBySequence || k.Multimodal {
		t.Fatalf("gpt 能力不符: %+v", k)
	}
	if k := Kind["multimodal"]; !k.SplitBySequence || !k.Multimodal {
		t.Fatalf("multimodal 能力不符: %+v", k)
	}
	if k := Kind["masked"]; k.SplitBySequence || k.Multimodal {
		t.Fatalf("masked 能力不符: %+v", k)
	}
	for name, k := range Kind {
		if k.Name != name {
			t.Fatalf("名称不一致: %s vs %s", name, k.Name)
		}
	}
}

// UT-REG-03: 遍历注册表入口
func TestFactories(t *testing.T) {
	t.Run("indexed", func(t *testing.T) {
		if _, err := Indexed["mmidx"](json.RawMessage(`{"skip_bin":true}`)); err != nil {
			t.Fatalf("indexed: %v", err)
		}
		if _, err := Indexed["mmidx"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("indexed 未对未知字段报错")
		}
	})
	t.Run("group-local", func(t *testing.T) {
		g, err := Group["local"](context.Background(), nil)
		if err != nil || g.Distributed() {
			t.Fatalf("local: %v", err)
		}
		if _, err := Group["local"](context.Background(), json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("local 未对未知字段报错")
		}
	})
	t.Run("group-tcp", func(t *testing.T) {
		t.Setenv("MASTER_ADDR", "")
		t.Setenv("MASTER_PORT", "")
		g, err := Group["tcp"](context.Background(), json.RawMessage(`{"rank":0,"world_size":1}`))
		if err != nil || g.Distributed() || g.WorldSize() != 1 {
			t.Fatalf("tcp 单 rank: %v", err)
		}
		if _, err := Group["tcp"](context.Background(), json.RawMessage(`{"rank":0,"world_size":2}`)); err == nil {
			t.Fatalf("tcp 缺少 addr 应报错")
		}
	})
	t.Run("cache", func(t *testing.T) {
		tmp := t.TempDir()
		c, err := Cache["fs"](tmp, nil)
		if err != nil {
			t.Fatalf("cache: %v", err)
		}
		if c.(*cfs.Store).Root() != tmp {
			t.Fatalf("缓存目录应取 path_to_cache")
		}
		other := t.TempDir()
		c, err = Cache["fs"](tmp, json.RawMessage(fmt.Sprintf(`{"dir":%q}`, other)))
		if err != nil || c.(*cfs.Store).Root() != other {
			t.Fatalf("Options.dir 应优先: %v", err)
		}
		if _, err := Cache["fs"]("", nil); err == nil {
			t.Fatalf("缺少目录应报错")
		}
		if _, err := Cache["fs"](tmp, json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("cache 未对未知字段报错")
		}
	})
}
