package mmidx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"blendsplit/pkg/contract"
)

// UT-IDX-01: 夹具往返：序列数与文档数
func TestOpenFixture(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "corpus_text_document")
	if err := WriteFixture(prefix, 5, 3, 8, false); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	ds, err := New(nil).Open(context.Background(), prefix, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ds.Prefix() != prefix || ds.Multimodal() {
		t.Fatalf("句柄字段不符")
	}
	if got := ds.ElementCount(true); got != 15 {
		t.Fatalf("序列数期望 15, got %d", got)
	}
	if got := ds.ElementCount(false); got != 5 {
		t.Fatalf("文档数期望 5, got %d", got)
	}
	want := Header{Version: 1, DType: 4, SequenceCount: 15, DocumentCount: 6}
	if diff := cmp.Diff(want, ds.(*Dataset).Header()); diff != "" {
		t.Fatalf("头部不符 (-want +got):\n%s", diff)
	}
}

// UT-IDX-02: 多模态索引需要 modes 数组
func TestOpenMultimodal(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "mm")
	if err := WriteFixture(prefix, 2, 2, 4, true); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	ds, err := New(nil).Open(context.Background(), prefix, true)
	if err != nil || !ds.Multimodal() {
		t.Fatalf("多模态打开失败: %v", err)
	}

	// 非多模态夹具按多模态打开 -> 长度不足
	plain := filepath.Join(t.TempDir(), "plain")
	if err := WriteFixture(plain, 2, 2, 4, false); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	if _, err := New(nil).Open(context.Background(), plain, true); !errors.Is(err, contract.ErrIO) {
		t.Fatalf("期望截断错误, got %v", err)
	}
}

// UT-IDX-03: 缺失文件保留 *fs.PathError
func TestOpenMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := New(nil).Open(context.Background(), filepath.Join(dir, "none"), false)
	var perr *fs.PathError
	if !errors.As(err, &perr) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("期望 PathError/ErrNotExist, got %v", err)
	}

	prefix := filepath.Join(dir, "nobin")
	if err := WriteFixture(prefix, 1, 1, 1, false); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	if err := os.Remove(BinPath(prefix)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := New(nil).Open(context.Background(), prefix, false); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf(".bin 缺失应报错, got %v", err)
	}
	if _, err := New(&Options{SkipBin: true}).Open(context.Background(), prefix, false); err != nil {
		t.Fatalf("SkipBin 时应成功: %v", err)
	}
}

// UT-IDX-04: 头部损坏
func TestReadHeaderRejects(t *testing.T) {
	valid := func() []byte {
		var b bytes.Buffer
		if err := WriteIndex(&b, 1, []int32{1}, []int64{0, 1}, nil); err != nil {
			t.Fatalf("write: %v", err)
		}
		return b.Bytes()
	}
	cases := map[string]func([]byte) []byte{
		"magic":   func(b []byte) []byte { b[0] = 'X'; return b },
		"version": func(b []byte) []byte { b[9] = 2; return b },
		"dtype":   func(b []byte) []byte { b[17] = 42; return b },
	}
	for name, mut := range cases {
		if _, err := ReadHeader(bytes.NewReader(mut(valid()))); !errors.Is(err, contract.ErrIO) {
			t.Fatalf("%s: 期望 ErrIO, got %v", name, err)
		}
	}
	if _, err := ReadHeader(bytes.NewReader(valid()[:20])); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("截断头期望 ErrUnexpectedEOF, got %v", err)
	}
	h, err := ReadHeader(bytes.NewReader(valid()))
	if err != nil || h.SequenceCount != 1 || h.DocumentCount != 2 || h.DType != 1 {
		t.Fatalf("合法头解析不符: %+v %v", h, err)
	}
}

// UT-IDX-05: 写出参数校验与空文档计数
func TestWriteIndexRejectsAndEmpty(t *testing.T) {
	if err := WriteIndex(io.Discard, 99, nil, nil, nil); err == nil {
		t.Fatalf("未知 dtype 应报错")
	}
	if err := WriteIndex(io.Discard, 4, []int32{1, 2}, []int64{0, 2}, []int8{0}); err == nil {
		t.Fatalf("modes 长度不符应报错")
	}
	d := &Dataset{}
	if d.ElementCount(false) != 0 {
		t.Fatalf("空索引文档数应为 0")
	}
	if New(nil) == nil {
		t.Fatalf("New 不应返回 nil")
	}
}

// UT-IDX-06: 取消
func TestOpenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).Open(ctx, "x", false); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望取消错误: %v", err)
	}
}
