package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"blendsplit/internal/builder"
	cfgpkg "blendsplit/internal/config"
	"blendsplit/internal/diag"
	"blendsplit/pkg/contract"
	"blendsplit/plugins/indexed/mmidx"
)

func resetFlag(args []string) {
	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	os.Args = args
}

// chdir 切换到临时目录（日志写入 ./logs），测试结束后恢复。
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

// captureStdout 运行 fn 并返回其写入 stdout 的内容。
func captureStdout(t *testing.T, fn func()) []byte {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stdout-*")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	old := os.Stdout
	os.Stdout = f
	fn()
	os.Stdout = old
	_ = f.Close()
	b, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	return b
}

func stubBuild(t *testing.T, fn func(ctx context.Context, comp builder.Components, set builder.Settings, logger *diag.Logger) (builder.Views, error)) {
	t.Helper()
	orig := builderBuild
	builderBuild = fn
	t.Cleanup(func() { builderBuild = orig })
}

func TestWriteConfig(t *testing.T) {
	cfg := cfgpkg.Defaults()
	dir := t.TempDir()
	file := filepath.Join(dir, "c.json")
	if err := writeConfig(file, cfg); err != nil {
		t.Fatalf("writeConfig file: %v", err)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("file not created: %v", err)
	}
	// 不覆盖已存在文件
	if err := writeConfig(file, cfg); err == nil {
		t.Fatalf("existing file should not be overwritten")
	}
	out := captureStdout(t, func() {
		if err := writeConfig("-", cfg); err != nil {
			t.Fatalf("writeConfig stdout: %v", err)
		}
	})
	if len(out) == 0 {
		t.Fatalf("stdout empty")
	}
}

func TestDumpConfig(t *testing.T) {
	cfg := cfgpkg.Defaults()
	devnull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	old := os.Stderr
	os.Stderr = devnull
	if err := dumpConfig(cfg); err != nil {
		t.Fatalf("dumpConfig: %v", err)
	}
	os.Stderr = old
	devnull.Close()
}

func TestRunInitConfig(t *testing.T) {
	dir := chdir(t)
	outDir := filepath.Join(dir, "out")
	resetFlag([]string{"blendsplit", "--init-config", outDir})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	for _, name := range []string{"config.json", ".env"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("%s not generated: %v", name, err)
		}
	}
	// 生成的模板可被严格解析
	if _, err := cfgpkg.LoadJSON(filepath.Join(outDir, "config.json"), nil); err != nil {
		t.Fatalf("template not loadable: %v", err)
	}
}

func TestRunSuccess(t *testing.T) {
	chdir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	b, _ := json.Marshal(cfg)
	t.Setenv("BLENDSPLIT_CONFIG_JSON", string(b))

	resetFlag([]string{"blendsplit", "--status=false", "--sizes", ",,0"})
	var got builder.Settings
	stubBuild(t, func(ctx context.Context, comp builder.Components, set builder.Settings, logger *diag.Logger) (builder.Views, error) {
		got = set
		return builder.Views{}, nil
	})
	var code int
	out := captureStdout(t, func() { code = run() })
	if code != 0 {
		t.Fatalf("run return %d", code)
	}
	if got.Mode() != "blend" || got.Sizes != (contract.Sizes{1000, 100, 0}) {
		t.Fatalf("settings not forwarded: %+v", got)
	}
	var s summary
	if err := json.Unmarshal(out, &s); err != nil {
		t.Fatalf("summary not json: %v\n%s", err, out)
	}
	if s.Mode != "blend" || s.WorldSize != 1 || len(s.Splits) != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestRunWithConfigFile(t *testing.T) {
	dir := chdir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	b, _ := json.Marshal(cfg)
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resetFlag([]string{"blendsplit", "--status=false", "--config", path, "--kind", "masked"})
	called := false
	stubBuild(t, func(ctx context.Context, comp builder.Components, set builder.Settings, logger *diag.Logger) (builder.Views, error) {
		called = true
		if set.Kind.Name != "masked" {
			t.Errorf("kind override lost: %+v", set.Kind)
		}
		return builder.Views{}, nil
	})
	captureStdout(t, func() {
		if code := run(); code != 0 {
			t.Fatalf("run return %d", code)
		}
	})
	if !called {
		t.Fatalf("builderBuild not called")
	}
}

func TestRunConfigFileNotFound(t *testing.T) {
	chdir(t)
	resetFlag([]string{"blendsplit", "--config", "missing.json"})
	if code := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	chdir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Split = ""
	b, _ := json.Marshal(cfg)
	t.Setenv("BLENDSPLIT_CONFIG_JSON", string(b))
	devnull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	defer devnull.Close()
	old := os.Stderr
	os.Stderr = devnull
	defer func() { os.Stderr = old }()

	resetFlag([]string{"blendsplit", "--status=false"})
	if code := run(); code != 3 {
		t.Fatalf("expect 3, got %d", code)
	}
	resetFlag([]string{"blendsplit", "--status=false", "--split", "1,1", "--sizes", "1,x"})
	if code := run(); code != 3 {
		t.Fatalf("bad --sizes: expect 3, got %d", code)
	}
}

func TestRunBuildError(t *testing.T) {
	chdir(t)
	b, _ := json.Marshal(cfgpkg.DefaultTemplateConfig())
	t.Setenv("BLENDSPLIT_CONFIG_JSON", string(b))
	resetFlag([]string{"blendsplit", "--status=false"})
	stubBuild(t, func(ctx context.Context, comp builder.Components, set builder.Settings, logger *diag.Logger) (builder.Views, error) {
		return builder.Views{}, contract.Invariantf("a", "valid", "mixed nil views")
	})
	devnull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	defer devnull.Close()
	old := os.Stderr
	os.Stderr = devnull
	defer func() { os.Stderr = old }()
	if code := run(); code != 1 {
		t.Fatalf("expect 1, got %d", code)
	}
}

// 端到端：两个模拟 rank 共享描述缓存，rank 0 的摘要写到 stdout。
func TestRunSimulateRanks(t *testing.T) {
	dir := chdir(t)
	var prefixes []string
	for _, name := range []string{"a", "b"} {
		p := filepath.Join(dir, name)
		if err := mmidx.WriteFixture(p, 100, 1, 8, false); err != nil {
			t.Fatalf("fixture: %v", err)
		}
		prefixes = append(prefixes, p)
	}
	cache := filepath.Join(dir, "cache")
	resetFlag([]string{"blendsplit", "--status=false", "--simulate-ranks", "2",
		"--kind", "gpt",
		"--blend", fmt.Sprintf("1,%s,3,%s", prefixes[0], prefixes[1]),
		"--split", "8,1,1", "--sizes", "40,4,0", "--path-to-cache", cache})
	var code int
	out := captureStdout(t, func() { code = run() })
	if code != 0 {
		t.Fatalf("run return %d", code)
	}
	var s summary
	if err := json.Unmarshal(out, &s); err != nil {
		t.Fatalf("summary not json: %v\n%s", err, out)
	}
	if s.Rank != 0 || s.WorldSize != 2 || s.Mode != "blend" {
		t.Fatalf("unexpected summary header: %+v", s)
	}
	keys := make([]string, 0, len(s.Splits))
	for k := range s.Splits {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if diff := cmp.Diff([]string{"test", "train", "valid"}, keys); diff != "" {
		t.Fatalf("splits mismatch (-want +got):\n%s", diff)
	}
	if s.Splits["train"].NumSamples < 40 || s.Splits["train"].Hash == "" {
		t.Fatalf("train summary: %+v", s.Splits["train"])
	}
	entries, err := os.ReadDir(cache)
	if err != nil || len(entries) == 0 {
		t.Fatalf("cache not written: %v", err)
	}
}

func TestParseSizes(t *testing.T) {
	got, err := parseSizes(" 5, ,0")
	if err != nil {
		t.Fatalf("parseSizes: %v", err)
	}
	if got != (cfgpkg.Sizes{Train: 5, Valid: -1, Test: 0}) {
		t.Fatalf("unexpected sizes: %+v", got)
	}
	for _, bad := range []string{"1,2,3,4", "-1", "a"} {
		if _, err := parseSizes(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	content := "# comment\nexport BLENDSPLIT_TEST_A=\"x\\ty\"\nBLENDSPLIT_TEST_B='raw'\nBLENDSPLIT_TEST_C=keep\n"
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BLENDSPLIT_TEST_C", "preset")
	t.Setenv("BLENDSPLIT_TEST_A", "")
	t.Setenv("BLENDSPLIT_TEST_B", "")
	os.Unsetenv("BLENDSPLIT_TEST_A")
	os.Unsetenv("BLENDSPLIT_TEST_B")
	if err := loadDotEnv(p); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if v := os.Getenv("BLENDSPLIT_TEST_A"); v != "x\ty" {
		t.Fatalf("A = %q", v)
	}
	if v := os.Getenv("BLENDSPLIT_TEST_B"); v != "raw" {
		t.Fatalf("B = %q", v)
	}
	if v := os.Getenv("BLENDSPLIT_TEST_C"); v != "preset" {
		t.Fatalf("C overwritten: %q", v)
	}
	if err := loadDotEnv(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestFirstCause(t *testing.T) {
	boom := contract.Invalidf("", "", "boom")
	wrapped := fmt.Errorf("barrier d0#0: %w", context.Canceled)
	if got := firstCause([]error{nil, wrapped, boom}); got != boom {
		t.Fatalf("expect root cause, got %v", got)
	}
	if got := firstCause([]error{wrapped, nil}); got != wrapped {
		t.Fatalf("expect canceled, got %v", got)
	}
	if got := firstCause([]error{nil, nil}); got != nil {
		t.Fatalf("expect nil, got %v", got)
	}
}
