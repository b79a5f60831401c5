package builder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"blendsplit/internal/blend"
	"blendsplit/internal/diag"
	"blendsplit/internal/rank"
	"blendsplit/internal/split"
	"blendsplit/pkg/contract"
)

// - 两种模式互斥：Blend（全部 Split 共享一个混合 + 比例矩阵）或 BlendPerSplit（每个 Split 独立混合）。
// - 所有配置校验在任何 I/O 之前完成。
// - 每次底层构建都经 rank.Build：rank 0 先构建，屏障后其余 rank 构建。
// - 屏障 key 由构建位置派生（数据集序号/Split），与并发调度无关，所有 rank 一致。

// Components 聚合构建所需的外部协作者。
type Components struct {
	Opener contract.IndexedOpener
	Views  contract.ViewFactory
	// Group 为 nil 时按非分布式处理。
	Group contract.ProcessGroup
}

// Settings 构建期配置。
type Settings struct {
	Kind contract.Kind
	// Mode A
	Blend contract.Blend
	Split contract.SplitMatrix
	// Mode B
	BlendPerSplit [contract.NumSplits]contract.Blend
	Sizes         contract.Sizes
	// IsBuiltOnRank 为 nil 视为恒真。
	IsBuiltOnRank func() bool
	// Parallelism: 同一混合内底层数据集的并发构建数；<=1 表示顺序构建。
	Parallelism int
}

// Views 为按 Split 对齐的构建结果；nil 表示该 Split 无数据（或未在本 rank 构建）。
type Views [contract.NumSplits]contract.View

// Mode 报告配置采用的模式："blend"、"blend_per_split" 或空串（均未设置）。
func (s Settings) Mode() string {
	if len(s.Blend) > 0 {
		return "blend"
	}
	for _, b := range s.BlendPerSplit {
		if len(b) > 0 {
			return "blend_per_split"
		}
	}
	return ""
}

// Datasets 返回本次需要构建的底层数据集数量（用于进度显示）。
func (s Settings) Datasets() int {
	if len(s.Blend) > 0 {
		return len(s.Blend)
	}
	n := 0
	for _, b := range s.BlendPerSplit {
		n += len(b)
	}
	return n
}

// Build 按配置产出每个 Split 的视图。必须在组内所有 rank 上调用。
func Build(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Views, error) {
	var out Views
	if err := sanity(comp, set); err != nil {
		return out, err
	}
	b := &builder{comp: comp, set: set, coord: rank.New(comp.Group, logger), logger: logger}
	timer := logger.StartWithKV("builder", "build", "", "", map[string]string{
		"mode": set.Mode(), "kind": set.Kind.Name, "rank": strconv.Itoa(b.coord.Rank()),
	})
	var err error
	if set.Mode() == "blend" {
		out, err = b.shared(ctx)
	} else {
		out, err = b.perSplit(ctx)
	}
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWithKV("builder", string(code), "build failed", timer.Since(), "", "", map[string]string{"err": err.Error()})
		diag.IncOp("builder", "build", "error")
		if code != diag.CodeUnknown {
			diag.IncError("builder", string(code))
		}
		return Views{}, err
	}
	n := 0
	for _, v := range out {
		if v != nil {
			n++
		}
	}
	timer.Finish("build done", int64(n))
	diag.IncOp("builder", "build", "success")
	return out, nil
}

type builder struct {
	comp   Components
	set    Settings
	coord  *rank.Coordinator
	logger *diag.Logger
}

// shared: Mode A。
func (b *builder) shared(ctx context.Context) (Views, error) {
	m := b.set.Split
	if len(b.set.Blend) == 1 {
		return b.splits(ctx, "d0", b.set.Blend[0].Prefix, m, b.set.Sizes)
	}
	alloc, err := blend.Allocate(b.set.Blend, b.set.Sizes)
	if err != nil {
		return Views{}, err
	}
	members, err := b.members(ctx, "", alloc, m)
	if err != nil {
		return Views{}, err
	}
	total := alloc.Total()
	var out Views
	for _, s := range contract.Splits() {
		parts := column(members, s)
		if m[s] == nil {
			for d, p := range parts {
				if p != nil {
					return Views{}, contract.Invariantf(alloc.Prefixes[d], s.String(), "split has no ratio but dataset produced a view")
				}
			}
			continue
		}
		v, err := b.blended(ctx, s, alloc, parts, total[s])
		if err != nil {
			return Views{}, err
		}
		out[s] = v
	}
	return out, nil
}

// perSplit: Mode B。每个 Split 使用伪造的矩阵 (0,1) 与仅该 Split 非零的目标向量。
func (b *builder) perSplit(ctx context.Context) (Views, error) {
	var out Views
	for _, s := range contract.Splits() {
		bl := b.set.BlendPerSplit[s]
		if len(bl) == 0 {
			continue
		}
		m := split.Spoof(s)
		sizes := split.SpoofSizes(b.set.Sizes, s)
		if len(bl) == 1 {
			vs, err := b.splits(ctx, s.String(), bl[0].Prefix, m, sizes)
			if err != nil {
				return Views{}, err
			}
			out[s] = vs[s]
			continue
		}
		alloc, err := blend.Allocate(bl, sizes)
		if err != nil {
			return Views{}, annotate(err, "", s.String())
		}
		members, err := b.members(ctx, s.String()+"/", alloc, m)
		if err != nil {
			return Views{}, err
		}
		v, err := b.blended(ctx, s, alloc, column(members, s), alloc.Total()[s])
		if err != nil {
			return Views{}, err
		}
		out[s] = v
	}
	return out, nil
}

// members 构建混合中每个数据集的全部 Split 视图；Parallelism>1 时并发。
func (b *builder) members(ctx context.Context, scope string, alloc blend.Allocation, m contract.SplitMatrix) ([]Views, error) {
	out := make([]Views, len(alloc.Prefixes))
	g, gctx := errgroup.WithContext(ctx)
	if b.set.Parallelism > 1 {
		g.SetLimit(b.set.Parallelism)
	} else {
		g.SetLimit(1)
	}
	for d := range alloc.Prefixes {
		d := d
		g.Go(func() error {
			vs, err := b.splits(gctx, scope+"d"+strconv.Itoa(d), alloc.Prefixes[d], m, alloc.Sizes[d])
			if err != nil {
				return err
			}
			out[d] = vs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// blended 校验成员 nil 一致性后经协调器构建混合视图。
func (b *builder) blended(ctx context.Context, s contract.Split, alloc blend.Allocation, parts []contract.View, target int) (contract.View, error) {
	nils := 0
	for _, p := range parts {
		if p == nil {
			nils++
		}
	}
	if nils != 0 && nils != len(parts) {
		for d, p := range parts {
			if p == nil {
				return nil, contract.Invariantf(alloc.Prefixes[d], s.String(), "dataset produced no view while %d of %d members did", len(parts)-nils, len(parts))
			}
		}
	}
	v, ok, err := rank.Build(ctx, b.coord, "blend:"+s.String(), "", s.String(), b.set.IsBuiltOnRank, func(ctx context.Context) (contract.View, error) {
		return b.comp.Views.NewBlendedView(ctx, s, parts, alloc.Weights, target)
	})
	if err != nil {
		return nil, annotate(err, "", s.String())
	}
	if !ok {
		return nil, nil
	}
	b.logger.Debug("builder", "blended", v.Describe(), "", s.String(), map[string]string{"target": strconv.Itoa(target)})
	return v, nil
}

// splits 打开单个底层数据集并按矩阵构建各 Split 视图（无比例的 Split 为 nil）。
// scope 区分同一次构建中对同一前缀的多次使用。
func (b *builder) splits(ctx context.Context, scope, prefix string, m contract.SplitMatrix, sizes contract.Sizes) (Views, error) {
	var out Views
	timer := b.logger.StartWith("builder", "dataset", prefix, "")
	ds, ok, err := rank.Build(ctx, b.coord, scope+"/indexed:"+prefix, prefix, "", b.set.IsBuiltOnRank, func(ctx context.Context) (contract.IndexedDataset, error) {
		return b.comp.Opener.Open(ctx, prefix, b.set.Kind.Multimodal)
	})
	if err != nil {
		b.fail(err, timer, prefix, "")
		return out, annotate(err, prefix, "")
	}
	var ranges [contract.NumSplits]*contract.IndexRange
	if ok {
		n := ds.ElementCount(b.set.Kind.SplitBySequence)
		ranges = split.Ranges(n, m)
		b.logger.Debug("builder", "ranges", "split index ranges", prefix, "", rangeKV(n, ranges))
	}
	for _, s := range contract.Splits() {
		if m[s] == nil {
			continue
		}
		rng := ranges[s]
		v, vok, err := rank.Build(ctx, b.coord, scope+"/view:"+prefix+":"+s.String(), prefix, s.String(), b.set.IsBuiltOnRank, func(ctx context.Context) (contract.View, error) {
			if rng == nil {
				return nil, contract.Invariantf(prefix, s.String(), "indexed dataset was not built on this rank")
			}
			return b.comp.Views.NewSplitView(ctx, ds, s, *rng, sizes[s])
		})
		if err != nil {
			b.fail(err, timer, prefix, s.String())
			return Views{}, annotate(err, prefix, s.String())
		}
		if vok {
			out[s] = v
		}
	}
	timer.Finish("dataset done", int64(countViews(out)))
	if t := diag.GetTerminal(); t != nil {
		t.DatasetDone(prefix)
	}
	return out, nil
}

func (b *builder) fail(err error, timer *diag.Timer, prefix, split string) {
	code := diag.Classify(err)
	b.logger.ErrorWithKV("builder", string(code), "dataset build failed", timer.Since(), prefix, split, map[string]string{"err": err.Error()})
	if code != diag.CodeUnknown {
		diag.IncError("builder", string(code))
	}
}

// annotate 给未分类的错误补充前缀/Split 定位；已分类错误原样返回。
func annotate(err error, prefix, split string) error {
	var ce *contract.Error
	if errors.As(err, &ce) {
		if ce.Prefix == "" {
			ce.Prefix = prefix
		}
		if ce.Split == "" {
			ce.Split = split
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case prefix != "" && split != "":
		return pkgerrors.Wrapf(err, "prefix=%s split=%s", prefix, split)
	case prefix != "":
		return pkgerrors.Wrapf(err, "prefix=%s", prefix)
	case split != "":
		return pkgerrors.Wrapf(err, "split=%s", split)
	}
	return err
}

func column(members []Views, s contract.Split) []contract.View {
	out := make([]contract.View, len(members))
	for d := range members {
		out[d] = members[d][s]
	}
	return out
}

func countViews(vs Views) int {
	n := 0
	for _, v := range vs {
		if v != nil {
			n++
		}
	}
	return n
}

func rangeKV(n int, ranges [contract.NumSplits]*contract.IndexRange) map[string]string {
	kv := map[string]string{"elements": strconv.Itoa(n)}
	for s, r := range ranges {
		if r != nil {
			kv[contract.Split(s).String()] = r.String()
		}
	}
	return kv
}

// sanity: I/O 之前的配置校验。
func sanity(comp Components, set Settings) error {
	if comp.Opener == nil || comp.Views == nil {
		return contract.Invalidf("", "", "builder components incomplete (opener=%v views=%v)", comp.Opener != nil, comp.Views != nil)
	}
	perSplit := false
	for _, b := range set.BlendPerSplit {
		if len(b) > 0 {
			perSplit = true
		}
	}
	switch {
	case len(set.Blend) > 0 && perSplit:
		return contract.Invalidf("", "", "blend and blend_per_split are mutually exclusive")
	case len(set.Blend) == 0 && !perSplit:
		return contract.Invalidf("", "", "either blend or blend_per_split must be set")
	}
	for s, n := range set.Sizes {
		if n < 0 {
			return contract.Invalidf("", contract.Split(s).String(), "negative target size %d", n)
		}
	}
	if len(set.Blend) > 0 {
		if err := checkBlend(set.Blend, set.Sizes, ""); err != nil {
			return err
		}
		for _, s := range contract.Splits() {
			// 无比例的 Split 不产出视图，其目标样本数被忽略。
			r := set.Split[s]
			if r == nil {
				continue
			}
			if err := checkRatio(*r); err != nil {
				return contract.Invalidf("", s.String(), "%v", err)
			}
		}
		return nil
	}
	for _, s := range contract.Splits() {
		bl := set.BlendPerSplit[s]
		if len(bl) == 0 {
			continue
		}
		if err := checkBlend(bl, split.SpoofSizes(set.Sizes, s), s.String()); err != nil {
			return err
		}
	}
	return nil
}

func checkBlend(bl contract.Blend, sizes contract.Sizes, splitName string) error {
	if len(bl) == 1 {
		if bl[0].Prefix == "" {
			return contract.Invalidf("", splitName, "blend entry has empty prefix")
		}
		return nil
	}
	if _, err := blend.Allocate(bl, sizes); err != nil {
		return annotate(err, "", splitName)
	}
	return nil
}

func checkRatio(r contract.Ratio) error {
	if math.IsNaN(r.Begin) || math.IsNaN(r.End) || r.Begin < 0 || r.End > 1 || r.End < r.Begin {
		return fmt.Errorf("ratio (%v, %v) outside 0 <= begin <= end <= 1", r.Begin, r.End)
	}
	return nil
}
