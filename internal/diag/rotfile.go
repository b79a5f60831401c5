package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	rotPrefix   = "blendsplit-"
	rotCurrent  = "blendsplit-current.txt"
	defaultKeep = 8
)

// RotatingFile 将日志行写入指定目录，并按文件大小轮转。
// - 当前文件固定名：blendsplit-current.txt（多 rank 共用目录时带 rank 后缀，见 NewRankRotatingFile）
// - 轮转：当 size+len(line) 超过 maxBytes 时，将当前文件重命名为 blendsplit-[rN-]YYYYMMDD-HHMMSS.txt，重新创建当前文件。
// - 保留：仅保留最近 keep 个历史文件。
type RotatingFile struct {
	dir      string
	tag      string // 为空或 "r<rank>"
	maxBytes int64
	keep     int
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	return NewRankRotatingFile(dir, maxBytes, -1)
}

// NewRankRotatingFile 为指定 rank 创建独立的轮转文件；rank<0 表示不区分。
func NewRankRotatingFile(dir string, maxBytes int64, rank int) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 // 10 MiB 默认
	}
	tag := ""
	if rank >= 0 {
		tag = fmt.Sprintf("r%d", rank)
	}
	return &RotatingFile{dir: dir, tag: tag, maxBytes: maxBytes, keep: defaultKeep}
}

func (w *RotatingFile) currentName() string {
	if w.tag == "" {
		return rotCurrent
	}
	return rotPrefix + w.tag + "-current.txt"
}

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	lineLen := int64(len(b) + 1) // 包含换行
	if err := w.ensureOpen(); err != nil {
		return err
	}
	if w.curSize > 0 && w.curSize+lineLen > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	if err != nil {
		return err
	}
	w.curSize += int64(n)
	return nil
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, w.currentName()), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	} else {
		w.curSize = 0
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	oldPath := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	// 高精度时间戳，避免同秒冲突覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	name := rotPrefix + ts + ".txt"
	if w.tag != "" {
		name = rotPrefix + w.tag + "-" + ts + ".txt"
	}
	if err := os.Rename(oldPath, filepath.Join(w.dir, name)); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出保留数量的历史文件（最佳努力）。
func (w *RotatingFile) prune() {
	if w.keep <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	want := rotPrefix
	if w.tag != "" {
		want = rotPrefix + w.tag + "-"
	}
	var old []string
	for _, e := range ents {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, want) || strings.HasSuffix(n, "-current.txt") {
			continue
		}
		// 未带 tag 的文件名不应吞掉带 tag 的历史文件
		if w.tag == "" && strings.HasPrefix(n, rotPrefix+"r") && len(n) > len(rotPrefix)+1 && n[len(rotPrefix)+1] >= '0' && n[len(rotPrefix)+1] <= '9' {
			continue
		}
		old = append(old, n)
	}
	if len(old) <= w.keep {
		return
	}
	// 时间戳命名，字典序即时间序
	sort.Strings(old)
	for _, n := range old[:len(old)-w.keep] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}

// Close 关闭当前打开的文件句柄
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		return err
	}
	return nil
}
