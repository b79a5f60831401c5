package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"blendsplit/pkg/contract"
)

// BenchmarkWrite 基准测试：不同描述尺寸下的原子写入。
func BenchmarkWrite(b *testing.B) {
	for _, sz := range []int{512, 64 * 1024} {
		b.Run(fmt.Sprintf("size=%d", sz), func(b *testing.B) {
			data := bytes.Repeat([]byte("a"), sz)
			s, err := New(&Options{Dir: b.TempDir()})
			if err != nil {
				b.Fatalf("创建缓存失败: %v", err)
			}
			id := contract.ArtifactID("bench.json")
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Write(ctx, id, bytes.NewReader(data)); err != nil {
					b.Fatalf("写入失败: %v", err)
				}
			}
		})
	}
}
