package diag

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// 指标走 OpenTelemetry 全局 MeterProvider；宿主进程未安装 provider 时为 no-op。
// - blendsplit.op_total{comp,stage,result}
// - blendsplit.error_total{comp,code}
// - blendsplit.op_duration_ms{comp,stage}

const meterName = "blendsplit"

type instruments struct {
	ops      metric.Int64Counter
	errs     metric.Int64Counter
	duration metric.Int64Histogram
}

var (
	instOnce sync.Once
	inst     instruments
)

func meters() instruments {
	instOnce.Do(func() {
		m := otel.Meter(meterName)
		// 创建失败时 otel 返回可用的 no-op 实例，忽略错误即可
		inst.ops, _ = m.Int64Counter("blendsplit.op_total", metric.WithDescription("build operations by component and stage"))
		inst.errs, _ = m.Int64Counter("blendsplit.error_total", metric.WithDescription("build errors by component and code"))
		inst.duration, _ = m.Int64Histogram("blendsplit.op_duration_ms", metric.WithUnit("ms"))
	})
	return inst
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	meters().ops.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("comp", comp),
		attribute.String("stage", stage),
		attribute.String("result", result),
	))
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	meters().errs.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("comp", comp),
		attribute.String("code", code),
	))
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	meters().duration.Record(context.Background(), durMS, metric.WithAttributes(
		attribute.String("comp", comp),
		attribute.String("stage", stage),
	))
}
