package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"blendsplit/internal/builder"
	cfgpkg "blendsplit/internal/config"
	"blendsplit/internal/diag"
	"blendsplit/pkg/contract"
	glocal "blendsplit/plugins/group/local"
)

var builderBuild = builder.Build

// 简化的 CLI：单一动作 build。
// 全局旗标（最小集）：--config, --kind, --blend, --split, --sizes, --path-to-cache, --parallelism
// --simulate-ranks N 在进程内以 N 个 rank 运行（本地屏障），用于验证分布式语义。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, logLevel)
	var (
		flagConfig      string
		flagKind        string
		flagBlend       string
		flagSplit       string
		flagSizes       string
		flagCache       string
		flagParallelism int
		flagSimulate    int
		flagInitDir     string
		flagStatus      bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagKind, "kind", "", "数据集种类 gpt|multimodal|masked（覆盖配置）")
	flag.StringVar(&flagBlend, "blend", "", "共享混合 \"w1,prefix1,w2,prefix2\" 或单个前缀（覆盖配置，清空 blend_per_split）")
	flag.StringVar(&flagSplit, "split", "", "划分向量，如 969,30,1（覆盖配置）")
	flag.StringVar(&flagSizes, "sizes", "", "目标样本数 train,valid,test（覆盖配置；留空项不覆盖）")
	flag.StringVar(&flagCache, "path-to-cache", "", "描述缓存目录（覆盖配置）")
	flag.IntVar(&flagParallelism, "parallelism", 0, "混合内数据集并发构建数（覆盖配置）")
	flag.IntVar(&flagSimulate, "simulate-ranks", 0, "进程内模拟的 rank 数（>1 时忽略 components.group）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则跳过，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return 3
	}

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		cfg := cfgpkg.DefaultTemplateConfig()
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfg); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		// 生成 .env 模板（不覆盖已存在文件）。
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return 0
	}

	// JSON 配置（文件或 ENV: BLENDSPLIT_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv("BLENDSPLIT_CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv("BLENDSPLIT_CONFIG_FILE")
	}
	// 默认读取工作目录下 config.json（若存在）
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(flagConfig, cfgJSON)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	// ENV 覆盖（最小集合）
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	overCLI := cfgpkg.Config{Kind: flagKind, Blend: flagBlend, Split: flagSplit, PathToCache: flagCache}
	overCLI.Sizes, err = parseSizes(flagSizes)
	if err != nil {
		fprintf(os.Stderr, "参数解析失败: %v\n", err)
		logger.Error("cli", string(diag.CodeConfig), "first error", &start)
		return 3
	}
	if flagParallelism > 0 {
		overCLI.Parallelism = flagParallelism
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	// 基本校验
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(cfg)
		logger.Error("cli", string(diag.Classify(err)), "first error", &start)
		return 3
	}
	if strings.TrimSpace(cfg.Logging.Level) != "" {
		logLevel = strings.TrimSpace(cfg.Logging.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	var res result
	if flagSimulate > 1 {
		logger = diag.NewLogger(corrID, logLevel)
		res = simulate(ctx, cfg, flagSimulate, logger)
	} else {
		comp, set, err := cfgpkg.Assemble(ctx, cfg)
		if err != nil {
			fprintf(os.Stderr, "装配失败: %v\n", err)
			logger.Error("cli", string(diag.Classify(err)), "first error", &start)
			return 3
		}
		if c, ok := comp.Group.(io.Closer); ok {
			defer c.Close()
		}
		rank, world := 0, 1
		if comp.Group.Distributed() {
			rank, world = comp.Group.Rank(), comp.Group.WorldSize()
			logger = diag.NewRankLogger(corrID, logLevel, rank)
		} else {
			logger = diag.NewLogger(corrID, logLevel)
		}
		logEffective(logger, cfg, world)
		if term != nil {
			term.RunStart(rank, world, set.Mode())
			term.DatasetsPlanned(set.Datasets())
		}
		res = buildOne(ctx, comp, set, rank, logger)
	}

	if res.err != nil {
		code := string(diag.Classify(res.err))
		logger.Error("cli", code, "first error", &start)
		diag.IncOp("cli", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("cli", code)
		}
		if !errors.Is(res.err, context.Canceled) {
			fprintf(os.Stderr, "构建失败: %v\n", res.err)
		}
		if term != nil {
			term.RunFinish(false, time.Since(start))
		}
		return 1
	}
	for _, s := range contract.Splits() {
		desc := ""
		if v := res.views[s]; v != nil {
			desc = v.Describe()
		}
		if term != nil {
			term.SplitFinish(s.String(), desc)
		}
	}
	if err := writeSummary(os.Stdout, res); err != nil {
		fprintf(os.Stderr, "输出摘要失败: %v\n", err)
		return 1
	}
	diag.IncOp("cli", "finish", "success")
	diag.ObserveDuration("cli", "finish", time.Since(start).Milliseconds())
	if term != nil {
		term.RunFinish(true, time.Since(start))
	}
	return 0
}

// result: 单个 rank 的构建结果。
type result struct {
	rank  int
	world int
	mode  string
	views builder.Views
	err   error
}

func buildOne(ctx context.Context, comp builder.Components, set builder.Settings, rank int, logger *diag.Logger) result {
	res := result{rank: rank, world: 1, mode: set.Mode()}
	if comp.Group != nil && comp.Group.Distributed() {
		res.world = comp.Group.WorldSize()
	}
	t := logger.Start("cli", "build")
	res.views, res.err = builderBuild(ctx, comp, set, logger)
	if res.err == nil {
		t.Finish("build", int64(countViews(res.views)))
	}
	return res
}

// simulate 以进程内 n 个 rank 运行构建；返回 rank 0 的结果，错误取首个。
func simulate(ctx context.Context, cfg cfgpkg.Config, n int, logger *diag.Logger) result {
	mesh := glocal.NewMesh(n)
	var (
		mu    sync.Mutex
		first result
	)
	first.rank, first.world = 0, n
	// 任一 rank 失败即取消其余 rank，避免其停在屏障上。
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := mesh.Run(ctx, func(ctx context.Context, g contract.ProcessGroup) error {
		comp, set, err := cfgpkg.AssembleWithGroup(cfg, g)
		if err != nil {
			cancel()
			return err
		}
		lg := logger.WithRank(g.Rank())
		if g.Rank() == 0 {
			logEffective(lg, cfg, n)
			if term := diag.GetTerminal(); term != nil {
				term.RunStart(0, n, set.Mode())
				term.DatasetsPlanned(set.Datasets() * n)
			}
		}
		res := buildOne(ctx, comp, set, g.Rank(), lg)
		if g.Rank() == 0 {
			mu.Lock()
			first = res
			first.world = n
			mu.Unlock()
		}
		if res.err != nil {
			cancel()
		}
		return res.err
	})
	first.err = firstCause(errs)
	return first
}

// firstCause 优先返回非取消类错误（被连带取消的 rank 只报告 context.Canceled）。
func firstCause(errs []error) error {
	var canceled error
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			if canceled == nil {
				canceled = err
			}
		default:
			return err
		}
	}
	return canceled
}

// summary: 标准输出的 JSON 摘要（每个 Split 一项，无视图的 Split 省略）。
type summary struct {
	Rank      int                     `json:"rank"`
	WorldSize int                     `json:"world_size"`
	Mode      string                  `json:"mode"`
	Splits    map[string]splitSummary `json:"splits"`
}

type splitSummary struct {
	NumSamples int    `json:"num_samples"`
	Describe   string `json:"describe"`
	Hash       string `json:"hash,omitempty"`
}

func writeSummary(w io.Writer, res result) error {
	s := summary{Rank: res.rank, WorldSize: res.world, Mode: res.mode, Splits: map[string]splitSummary{}}
	for _, sp := range contract.Splits() {
		v := res.views[sp]
		if v == nil {
			continue
		}
		ss := splitSummary{NumSamples: v.NumSamples(), Describe: v.Describe()}
		if h, ok := v.(interface{ Hash() string }); ok {
			ss.Hash = h.Hash()
		}
		s.Splits[sp.String()] = ss
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func countViews(vs builder.Views) int {
	n := 0
	for _, v := range vs {
		if v != nil {
			n++
		}
	}
	return n
}

// logEffective: debug 输出运行时配置信息。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config, world int) {
	kv := map[string]string{
		"kind":          cfg.Kind,
		"blend":         cfg.Blend,
		"split":         cfg.Split,
		"sizes":         fmt.Sprintf("%d,%d,%d", cfg.Sizes.Train, cfg.Sizes.Valid, cfg.Sizes.Test),
		"path_to_cache": cfg.PathToCache,
		"parallelism":   strconv.Itoa(cfg.Parallelism),
		"world_size":    strconv.Itoa(world),
		"indexed":       cfg.Components.Indexed,
		"group":         cfg.Components.Group,
		"cache":         cfg.Components.Cache,
	}
	if cfg.Blend == "" {
		kv["blend_per_split"] = strings.Join([]string{cfg.BlendPerSplit.Train, cfg.BlendPerSplit.Valid, cfg.BlendPerSplit.Test}, " | ")
	}
	logger.Debug("config", "effective", "", "", "", kv)
}

// parseSizes 解析 "train,valid,test"；空项保持 -1（未覆盖）。
func parseSizes(s string) (cfgpkg.Sizes, error) {
	out := cfgpkg.Sizes{Train: -1, Valid: -1, Test: -1}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > contract.NumSplits {
		return out, fmt.Errorf("--sizes %q: at most %d entries", s, contract.NumSplits)
	}
	dst := []*int{&out.Train, &out.Valid, &out.Test}
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return out, fmt.Errorf("--sizes %q: invalid entry %q", s, p)
		}
		*dst[i] = v
	}
	return out, nil
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

func genCorrID() string { return uuid.NewString() }

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 为左侧去空白；value 去首尾空白；
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义 \n/\t/\\/\" 作最小处理。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			continue
		}
		// 去除成对引号
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				quoted := val[0]
				val = val[1 : len(val)-1]
				if quoted == '"' {
					val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用默认值当前目录 "."。
// 兼容以下形式：
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			// 已到末尾或下一个是开关时补默认值
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
// 仅创建文件；不覆盖，不合并。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	b.WriteString("# blendsplit .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("BLENDSPLIT_CONFIG_FILE=\n")
	b.WriteString("BLENDSPLIT_CONFIG_JSON=\n\n")

	b.WriteString("# 构建参数覆盖\n")
	for _, k := range []string{"KIND", "BLEND", "BLEND_PER_SPLIT_TRAIN", "BLEND_PER_SPLIT_VALID", "BLEND_PER_SPLIT_TEST",
		"SPLIT", "SIZES_TRAIN", "SIZES_VALID", "SIZES_TEST", "PATH_TO_CACHE", "RANDOM_SEED", "PARALLELISM",
		"BUILD_ON_RANKS", "LOGGING_LEVEL"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择与选项（原样 JSON）\n")
	for _, k := range []string{"COMPONENTS_INDEXED", "COMPONENTS_GROUP", "COMPONENTS_CACHE",
		"OPTIONS_INDEXED_JSON", "OPTIONS_GROUP_JSON", "OPTIONS_CACHE_JSON"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	// tcp 进程组的缺省来源（与常见启动器一致，不经 BLENDSPLIT_ 前缀）
	b.WriteString("\n# 分布式启动（components.group=tcp）\n")
	b.WriteString("RANK=\n")
	b.WriteString("WORLD_SIZE=\n")
	b.WriteString("MASTER_ADDR=\n")
	b.WriteString("MASTER_PORT=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
