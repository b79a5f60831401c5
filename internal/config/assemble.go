package config

import (
	"context"
	"errors"
	"slices"
	"strings"

	"blendsplit/internal/builder"
	"blendsplit/internal/split"
	"blendsplit/internal/views"
	"blendsplit/pkg/contract"
	"blendsplit/pkg/registry"
)

// Validate 对最小必要边界做静态校验（不解析 blend 内容，交由 Settings）。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Kind) == "" {
		return contract.Invalidf("", "", "config: kind not set")
	}
	if _, ok := registry.Kind[cfg.Kind]; !ok {
		return contract.Invalidf("", "", "config: kind %q not registered", cfg.Kind)
	}
	hasBlend := strings.TrimSpace(cfg.Blend) != ""
	switch {
	case hasBlend && cfg.BlendPerSplit.any():
		return contract.Invalidf("", "", "config: blend and blend_per_split are mutually exclusive")
	case !hasBlend && !cfg.BlendPerSplit.any():
		return contract.Invalidf("", "", "config: either blend or blend_per_split must be set")
	case hasBlend && strings.TrimSpace(cfg.Split) == "":
		return contract.Invalidf("", "", "config: split must be set together with blend")
	case !hasBlend && strings.TrimSpace(cfg.Split) != "":
		return contract.Invalidf("", "", "config: split cannot be used with blend_per_split")
	}
	for i, n := range cfg.Sizes.list() {
		if n < 0 {
			return contract.Invalidf("", contract.Split(i).String(), "config: sizes must be >= 0 (got %d)", n)
		}
	}
	if cfg.Parallelism < 1 {
		return contract.Invalidf("", "", "config: parallelism must be >= 1")
	}
	for _, r := range cfg.BuildOnRanks {
		if r < 0 {
			return contract.Invalidf("", "", "config: build_on_ranks contains negative rank %d", r)
		}
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults()
	if name := effName(cfg.Components.Indexed, d.Components.Indexed); registry.Indexed[name] == nil {
		return contract.Invalidf("", "", "config: indexed %q not registered", name)
	}
	if name := effName(cfg.Components.Group, d.Components.Group); registry.Group[name] == nil {
		return contract.Invalidf("", "", "config: group %q not registered", name)
	}
	if name := effName(cfg.Components.Cache, d.Components.Cache); registry.Cache[name] == nil {
		return contract.Invalidf("", "", "config: cache %q not registered", name)
	}
	return nil
}

// Settings 将配置解析为构建期设置（混合、划分矩阵、目标样本数）。
// IsBuiltOnRank 依赖进程组，由 AssembleWithGroup 填充。
func Settings(cfg Config) (builder.Settings, error) {
	if err := Validate(cfg); err != nil {
		return builder.Settings{}, err
	}
	set := builder.Settings{
		Kind:        registry.Kind[cfg.Kind],
		Sizes:       contract.Sizes(cfg.Sizes.list()),
		Parallelism: cfg.Parallelism,
	}
	if strings.TrimSpace(cfg.Blend) != "" {
		bl, err := ParseBlend(cfg.Blend)
		if err != nil {
			return builder.Settings{}, err
		}
		m, err := split.ParseMatrix(cfg.Split)
		if err != nil {
			return builder.Settings{}, err
		}
		set.Blend, set.Split = bl, m
		return set, nil
	}
	for i, s := range cfg.BlendPerSplit.list() {
		if strings.TrimSpace(s) == "" {
			continue
		}
		bl, err := ParseBlend(s)
		if err != nil {
			var ce *contract.Error
			if errors.As(err, &ce) && ce.Split == "" {
				ce.Split = contract.Split(i).String()
			}
			return builder.Settings{}, err
		}
		set.BlendPerSplit[i] = bl
	}
	return set, nil
}

// Assemble 构造进程组并完成装配。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 进程组若实现 io.Closer，由调用方负责关闭。
func Assemble(ctx context.Context, cfg Config) (builder.Components, builder.Settings, error) {
	if err := Validate(cfg); err != nil {
		return builder.Components{}, builder.Settings{}, err
	}
	gn := effName(cfg.Components.Group, Defaults().Components.Group)
	g, err := registry.Group[gn](ctx, cfg.Options.Group)
	if err != nil {
		return builder.Components{}, builder.Settings{}, err
	}
	return AssembleWithGroup(cfg, g)
}

// AssembleWithGroup 使用外部提供的进程组装配（例如进程内模拟的多 rank）。
func AssembleWithGroup(cfg Config, g contract.ProcessGroup) (builder.Components, builder.Settings, error) {
	set, err := Settings(cfg)
	if err != nil {
		return builder.Components{}, builder.Settings{}, err
	}
	d := Defaults()
	in := effName(cfg.Components.Indexed, d.Components.Indexed)
	opener, err := registry.Indexed[in](cfg.Options.Indexed)
	if err != nil {
		return builder.Components{}, builder.Settings{}, &contract.Error{Kind: contract.KindInvalidConfiguration, Msg: "config: options.indexed", Err: err}
	}

	var store contract.CacheStore
	if strings.TrimSpace(cfg.PathToCache) != "" {
		cn := effName(cfg.Components.Cache, d.Components.Cache)
		store, err = registry.Cache[cn](cfg.PathToCache, cfg.Options.Cache)
		if err != nil {
			return builder.Components{}, builder.Settings{}, &contract.Error{Kind: contract.KindInvalidConfiguration, Msg: "config: options.cache", Err: err}
		}
	}

	distributed := g != nil && g.Distributed()
	rank := 0
	if distributed {
		rank = g.Rank()
	}
	fac := views.NewFactory(views.Options{
		Kind:     set.Kind,
		Store:    store,
		Writable: !distributed || rank == 0,
		Seed:     cfg.RandomSeed,
	})
	if len(cfg.BuildOnRanks) > 0 {
		ranks := cloneInts(cfg.BuildOnRanks)
		set.IsBuiltOnRank = func() bool { return slices.Contains(ranks, rank) }
	}
	comp := builder.Components{Opener: opener, Views: fac, Group: g}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
