package contract

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind: 构建期错误分类（显式枚举，配合 cause 链使用）。
type ErrorKind int

const (
	// KindInvalidConfiguration: 配置畸形（奇数 blend 项、权重非正、比例/目标不匹配等），任何 I/O 前报出。
	KindInvalidConfiguration ErrorKind = iota + 1
	// KindMaterialization: 负责首次构建的 rank 上底层存储/缓存物化失败。
	KindMaterialization
	// KindInvariant: 领域不变量违例（成员 nil/非 nil 不一致等）。
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidConfiguration:
		return "invalid configuration"
	case KindMaterialization:
		return "dataset materialization failed"
	case KindInvariant:
		return "invariant violation"
	default:
		return "unknown"
	}
}

// 哨兵错误：配合 errors.Is 使用；*Error 按 Kind 匹配对应哨兵。
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMaterialization      = errors.New("dataset materialization failed")
	ErrInvariantViolation   = errors.New("invariant violation")
	// ErrIO: 适配层可用于标记非 *fs.PathError 形态的存储错误。
	ErrIO = errors.New("storage i/o")
	// ErrPathInvalid: 缓存工件标识映射为无效/越界路径。
	ErrPathInvalid = errors.New("path invalid")
)

// Error: 带分类、定位信息（前缀/Split）与原因链的构建错误。
type Error struct {
	Kind   ErrorKind
	Prefix string // 可为空
	Split  string // 可为空
	Msg    string
	Err    error // cause，可为 nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Prefix != "" || e.Split != "" {
		b.WriteString(" (")
		if e.Prefix != "" {
			fmt.Fprintf(&b, "prefix=%s", e.Prefix)
		}
		if e.Split != "" {
			if e.Prefix != "" {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "split=%s", e.Split)
		}
		b.WriteByte(')')
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Cause 兼容 github.com/pkg/errors 的 causer 约定。
func (e *Error) Cause() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidConfiguration:
		return e.Kind == KindInvalidConfiguration
	case ErrMaterialization:
		return e.Kind == KindMaterialization
	case ErrInvariantViolation:
		return e.Kind == KindInvariant
	}
	return false
}

// Invalidf 构造 KindInvalidConfiguration 错误。
func Invalidf(prefix, split, format string, a ...any) *Error {
	return &Error{Kind: KindInvalidConfiguration, Prefix: prefix, Split: split, Msg: fmt.Sprintf(format, a...)}
}

// Invariantf 构造 KindInvariant 错误。
func Invariantf(prefix, split, format string, a ...any) *Error {
	return &Error{Kind: KindInvariant, Prefix: prefix, Split: split, Msg: fmt.Sprintf(format, a...)}
}
