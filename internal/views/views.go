// Package views 实现构建器产出的两类视图：单数据集单 Split 的 SplitView，
// 以及按归一化权重组合多个 SplitView 的 BlendedView。
//
// 每个视图有一份确定性的 JSON 描述；配置了 CacheStore 时，描述以其 md5 命名写入缓存，
// 只有可写 rank（rank 0 或非分布式）负责写入，其余 rank 在屏障之后读取并校验。
package views

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"

	pkgerrors "github.com/pkg/errors"

	"blendsplit/pkg/contract"
)

// weightTolerance: 混合权重之和与 1 的允许偏差。
const weightTolerance = 1e-6

// Options: 视图工厂配置。
type Options struct {
	Kind contract.Kind
	// Store 为 nil 时不读写描述缓存。
	Store contract.CacheStore
	// Writable: 当前 rank 是否负责首次写入缓存。
	Writable bool
	// Seed 参与描述（及其哈希），不同种子的视图不共享缓存。
	Seed int64
}

// Factory 实现 contract.ViewFactory。
type Factory struct {
	opts Options
}

var _ contract.ViewFactory = (*Factory)(nil)

func NewFactory(opts Options) *Factory { return &Factory{opts: opts} }

// SplitView: 单个底层数据集在单个 Split 上的视图。
type SplitView struct {
	ds         contract.IndexedDataset
	split      contract.Split
	rng        contract.IndexRange
	numSamples int
	desc       string
	hash       string
}

func (v *SplitView) Split() contract.Split { return v.split }
func (v *SplitView) NumSamples() int { return v.numSamples }
func (v *SplitView) Dataset() contract.IndexedDataset { return v.ds }
func (v *SplitView) Range() contract.IndexRange { return v.rng }
func (v *SplitView) Indices() []int32 { return v.rng.Indices() }
func (v *SplitView) Hash() string { return v.hash }
func (v *SplitView) Description() string { return v.desc }

func (v *SplitView) Describe() string {
	return fmt.Sprintf("split(prefix=%s, %s, range=%s, samples=%d)", v.ds.Prefix(), v.split, v.rng, v.numSamples)
}

// BlendedView: 多个 SplitView 的加权组合。
type BlendedView struct {
	split      contract.Split
	parts      []contract.View
	weights    []float64
	numSamples int
	desc       string
	hash       string
}

func (v *BlendedView) Split() contract.Split { return v.split }
func (v *BlendedView) NumSamples() int { return v.numSamples }
func (v *BlendedView) Hash() string { return v.hash }
func (v *BlendedView) Description() string { return v.desc }

// Parts 返回成员视图（与 Weights 对齐）；返回副本。
func (v *BlendedView) Parts() []contract.View { return append([]contract.View(nil), v.parts...) }

// Weights 返回归一化权重；返回副本。
func (v *BlendedView) Weights() []float64 { return append([]float64(nil), v.weights...) }

func (v *BlendedView) Describe() string {
	return fmt.Sprintf("blended(%s, parts=%d, samples=%d)", v.split, len(v.parts), v.numSamples)
}

type splitDescription struct {
	Class           string `json:"class"`
	Kind            string `json:"kind"`
	Prefix          string `json:"prefix"`
	Split           string `json:"split"`
	Begin           int    `json:"begin"`
	End             int    `json:"end"`
	NumSamples      int    `json:"num_samples"`
	RandomSeed      int64  `json:"random_seed"`
	SplitBySequence bool   `json:"split_by_sequence"`
	Multimodal      bool   `json:"multimodal"`
}

type blendedDescription struct {
	Class      string    `json:"class"`
	Split      string    `json:"split"`
	Parts      []string  `json:"parts"`
	Weights    []float64 `json:"weights"`
	NumSamples int       `json:"num_samples"`
	RandomSeed int64     `json:"random_seed"`
}

// NewSplitView 构造单数据集视图；区间越界或目标为负视为不变量违例。
func (f *Factory) NewSplitView(ctx context.Context, ds contract.IndexedDataset, split contract.Split, rng contract.IndexRange, numSamples int) (contract.View, error) {
	if ds == nil {
		return nil, contract.Invariantf("", split.String(), "split view without indexed dataset")
	}
	n := ds.ElementCount(f.opts.Kind.SplitBySequence)
	if rng.Begin < 0 || rng.End > n || rng.End < rng.Begin {
		return nil, contract.Invariantf(ds.Prefix(), split.String(), "range %s exceeds element count %d", rng, n)
	}
	if numSamples < 0 {
		return nil, contract.Invalidf(ds.Prefix(), split.String(), "negative target size %d", numSamples)
	}
	d := splitDescription{
		Class:           "SplitView",
		Kind:            f.opts.Kind.Name,
		Prefix:          ds.Prefix(),
		Split:           split.String(),
		Begin:           rng.Begin,
		End:             rng.End,
		NumSamples:      numSamples,
		RandomSeed:      f.opts.Seed,
		SplitBySequence: f.opts.Kind.SplitBySequence,
		Multimodal:      f.opts.Kind.Multimodal,
	}
	desc, hash, err := describe(d)
	if err != nil {
		return nil, err
	}
	if err := f.materialize(ctx, "SplitView", hash, desc, ds.Prefix(), split); err != nil {
		return nil, err
	}
	return &SplitView{ds: ds, split: split, rng: rng, numSamples: numSamples, desc: desc, hash: hash}, nil
}

// NewBlendedView 构造混合视图。成员必须全部非 nil、属于同一 Split，权重与成员对齐且和为 1。
func (f *Factory) NewBlendedView(ctx context.Context, split contract.Split, parts []contract.View, weights []float64, numSamples int) (contract.View, error) {
	if len(parts) == 0 {
		return nil, contract.Invariantf("", split.String(), "blended view without parts")
	}
	if len(parts) != len(weights) {
		return nil, contract.Invariantf("", split.String(), "%d parts but %d weights", len(parts), len(weights))
	}
	if numSamples < 0 {
		return nil, contract.Invalidf("", split.String(), "negative target size %d", numSamples)
	}
	sum := 0.0
	ids := make([]string, len(parts))
	for i, p := range parts {
		if p == nil {
			return nil, contract.Invariantf("", split.String(), "blended part #%d is nil", i)
		}
		if p.Split() != split {
			return nil, contract.Invariantf("", split.String(), "blended part #%d belongs to split %s", i, p.Split())
		}
		if !(weights[i] > 0) {
			return nil, contract.Invariantf("", split.String(), "blended weight #%d is %v", i, weights[i])
		}
		sum += weights[i]
		ids[i] = partID(p)
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, contract.Invariantf("", split.String(), "blended weights sum to %v", sum)
	}
	d := blendedDescription{
		Class:      "BlendedView",
		Split:      split.String(),
		Parts:      ids,
		Weights:    append([]float64(nil), weights...),
		NumSamples: numSamples,
		RandomSeed: f.opts.Seed,
	}
	desc, hash, err := describe(d)
	if err != nil {
		return nil, err
	}
	if err := f.materialize(ctx, "BlendedView", hash, desc, "", split); err != nil {
		return nil, err
	}
	return &BlendedView{
		split:      split,
		parts:      append([]contract.View(nil), parts...),
		weights:    append([]float64(nil), weights...),
		numSamples: numSamples,
		desc:       desc,
		hash:       hash,
	}, nil
}

func partID(v contract.View) string {
	type hashed interface{ Hash() string }
	if h, ok := v.(hashed); ok {
		return h.Hash()
	}
	return v.Describe()
}

func describe(d any) (string, string, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", "", pkgerrors.Wrap(err, "marshal view description")
	}
	sum := md5.Sum(b)
	return string(b), hex.EncodeToString(sum[:]), nil
}

// ArtifactFor 返回描述缓存工件标识。
func ArtifactFor(class, hash string) contract.ArtifactID {
	return contract.NormalizeArtifactID(hash + "-" + class + "-description.json")
}

// materialize: 缓存命中则校验内容一致；未命中时可写 rank 写入，其余 rank 报物化错误。
func (f *Factory) materialize(ctx context.Context, class, hash, desc, prefix string, split contract.Split) error {
	if f.opts.Store == nil {
		return nil
	}
	id := ArtifactFor(class, hash)
	got, err := f.opts.Store.Read(ctx, id)
	switch {
	case err == nil:
		if string(got) != desc {
			return contract.Invariantf(prefix, split.String(), "cached description %s differs from computed one", id)
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if !f.opts.Writable {
			return &contract.Error{
				Kind:   contract.KindMaterialization,
				Prefix: prefix,
				Split:  split.String(),
				Msg:    fmt.Sprintf("description %s missing from cache; it must be written by the first-building rank before the barrier", id),
				Err:    err,
			}
		}
		if werr := f.opts.Store.Write(ctx, id, bytes.NewReader([]byte(desc))); werr != nil {
			return pkgerrors.Wrapf(werr, "write %s", id)
		}
		return nil
	default:
		return pkgerrors.Wrapf(err, "read %s", id)
	}
}
