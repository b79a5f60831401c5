package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Logger 为最小结构化日志器：单行 JSON 输出到轮转文件（失败时回退 stderr）。
// 同一进程内可通过 WithRank 派生子 logger，共享 sink。
type Logger struct {
	corrID string
	level  Level
	rank   int // <0 表示未知
	sink   *RotatingFile
	mu     *sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认目录 logs，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewRankLogger(corrID, level, -1)
}

// NewRankLogger 同 NewLogger，rank>=0 时使用独立的 rank 日志文件，避免多进程写同一文件。
func NewRankLogger(corrID, level string, rank int) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	sink := NewRankRotatingFile("logs", 10*1024*1024, rank)
	return &Logger{corrID: corrID, level: lvl, rank: rank, sink: sink, mu: &sync.Mutex{}}
}

// WithRank 返回绑定 rank 的派生 logger（共享 sink 与锁）。
func (l *Logger) WithRank(rank int) *Logger {
	if l == nil {
		return nil
	}
	c := *l
	c.rank = rank
	return &c
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Rank   *int              `json:"rank,omitempty"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|phase
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Prefix string            `json:"prefix,omitempty"`
	Split  string            `json:"split,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	if l.rank >= 0 {
		r := l.rank
		ev.Rank = &r
	}
	b, _ := json.Marshal(ev)
	if l.mu != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	if l.sink == nil {
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 prefix/split 的 start。
func (l *Logger) StartWith(comp, msg, prefix, split string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Prefix: prefix, Split: split, Msg: msg})
	return &Timer{l: l, comp: comp, prefix: prefix, split: split, t0: time.Now()}
}

// StartWithKV 记录带 prefix/split 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, prefix, split string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Prefix: prefix, Split: split, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, prefix: prefix, split: split, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 prefix/split。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, prefix, split string) {
	l.ErrorWithKV(comp, code, msg, durSince, prefix, split, nil)
}

// ErrorWithKV 支持附带键值对（例如底层错误文本）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, prefix, split string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Prefix: prefix, Split: split, KV: kv})
}

// Warn 记录 warn 事件。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Debug 输出调试级别事件（仅在 level=debug 时生效）。
func (l *Logger) Debug(comp, stage, msg, prefix, split string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: stage, Prefix: prefix, Split: split, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	prefix string
	split  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Prefix: t.prefix, Split: t.split, Msg: msg})
}

// Since 返回计时起点（用于 Error 的 durSince）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}
