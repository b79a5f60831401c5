package diag

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"time"

	"blendsplit/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown         Code = "unknown"
	CodeConfig          Code = "config"
	CodeMaterialization Code = "materialization"
	CodeInvariant       Code = "invariant"
	CodeNetwork         Code = "network"
	CodeCancel          Code = "cancel"
	CodeIO              Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrInvalidConfiguration) {
		return CodeConfig
	}
	// 物化失败优先于其内部的 I/O 原因
	if errors.Is(err, contract.ErrMaterialization) {
		return CodeMaterialization
	}
	if errors.Is(err, contract.ErrInvariantViolation) || errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	// I/O
	var perr *fs.PathError
	if errors.As(err, &perr) || errors.Is(err, contract.ErrIO) {
		return CodeIO
	}
	// 网络（连接/超时等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
