package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// progressEvery: TTY 下数据集进度行的最小刷新间隔。
const progressEvery = 100 * time.Millisecond

// Terminal: 面向人的构建进度提示（非日志），通常写 stderr。
// TTY 上进度行以 \r 原地刷新；非 TTY 只打印阶段行。写失败后静默。
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
	isTTY   bool

	rank    int
	started time.Time
	planned int
	built   int
	views   int

	inline    int // 当前原地行的可见宽度，0 表示没有未结束的原地行
	lastFlush time.Time
}

var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置进程级终端（nil 清除），builder 通过 GetTerminal 旁路上报进度。
func SetTerminal(t *Terminal) {
	termMu.Lock()
	term = t
	termMu.Unlock()
}

func GetTerminal() *Terminal {
	termMu.RLock()
	defer termMu.RUnlock()
	return term
}

// NewTerminal: enabled=false 时所有方法为 no-op；设置了 CI 环境变量时按非 TTY 处理。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	if f, ok := w.(*os.File); ok && os.Getenv("CI") == "" {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// do 在锁内执行 fn；nil 或禁用时跳过。
func (t *Terminal) do(fn func()) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		fn()
	}
}

func (t *Terminal) RunStart(rank, world int, mode string) {
	t.do(func() {
		t.rank, t.started, t.views = rank, time.Now(), 0
		t.line(fmt.Sprintf("[run] rank=%d/%d | mode=%s", rank, world, oneLine(mode)))
	})
}

func (t *Terminal) DatasetsPlanned(total int) {
	t.do(func() {
		t.planned += total
		if !t.isTTY {
			t.line(fmt.Sprintf("[plan] 数据集 %d", total))
		}
	})
}

// DatasetDone: 单个底层数据集完成；仅 TTY 刷新进度行，最后一个不节流。
func (t *Terminal) DatasetDone(prefix string) {
	t.do(func() {
		t.built++
		if !t.isTTY {
			return
		}
		now := time.Now()
		if now.Sub(t.lastFlush) < progressEvery && t.built < t.planned {
			return
		}
		t.lastFlush = now
		t.progress(fmt.Sprintf("[dataset] %s | 进度 %d/%d | 用时 %s", label(prefix, 48), t.built, t.planned, human(time.Since(t.started))))
	})
}

// SplitFinish: desc 为空表示该 Split 无视图。
func (t *Terminal) SplitFinish(split, desc string) {
	t.do(func() {
		if desc == "" {
			desc = "-"
		} else {
			t.views++
		}
		t.line(fmt.Sprintf("[%s] %s", oneLine(split), oneLine(desc)))
	})
}

func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	t.do(func() {
		tag := "ok"
		if !ok {
			tag = "fail"
		}
		t.line(fmt.Sprintf("[%s] rank=%d | 视图 %d | 数据集 %d | 总用时 %s", tag, t.rank, t.views, t.built, human(dur)))
	})
}

// line 打印整行；若存在原地进度行，先以空格覆盖清除。
func (t *Terminal) line(s string) {
	if t.inline > 0 {
		t.write("\r" + strings.Repeat(" ", t.inline) + "\r")
		t.inline = 0
	}
	t.write(s + "\n")
}

// progress 原地覆盖进度行，不足上次宽度的部分补空格。
func (t *Terminal) progress(s string) {
	n := len([]rune(s))
	pad := max(t.inline-n, 0)
	t.write("\r" + s + strings.Repeat(" ", pad))
	t.inline = n
}

func (t *Terminal) write(s string) {
	if !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s); err != nil {
		t.enabled = false
	}
}

// label: 前缀基名，超过 width 个字符时以省略号截断。
func label(prefix string, width int) string {
	if width <= 0 {
		return ""
	}
	rs := []rune(filepath.Base(strings.TrimSpace(prefix)))
	if len(rs) <= width {
		return string(rs)
	}
	return string(rs[:max(width-1, 1)]) + "…"
}

func oneLine(s string) string { return strings.NewReplacer("\n", " ", "\r", " ").Replace(s) }

// human: 亚秒显示毫秒，否则保留一位小数的秒。
func human(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", max(d.Milliseconds(), 0))
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
