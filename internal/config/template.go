package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 单进程（local 进程组）、Mode A 共享混合；
// - 描述缓存写入 ./cache；
// - 组件名采用仓库内置实现；
// - 选项给出安全中性默认值，包含全部键。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Kind:        "gpt",
		Blend:       "30, data/wiki_text_document, 70, data/books_text_document",
		Split:       "969,30,1",
		Sizes:       Sizes{Train: 1000, Valid: 100, Test: 10},
		PathToCache: "cache",
		RandomSeed:  d.RandomSeed,
		Parallelism: d.Parallelism,
		Logging:     Logging{Level: "info"},
		Components:  d.Components,
	}
	cfg.Options.Indexed = json.RawMessage(`{
  "skip_bin": false
}`)
	// group.local 无配置项；切换为 tcp 时参考 {"addr":"","rank":null,"world_size":0,"dial_timeout":"30s"}
	cfg.Options.Group = json.RawMessage(`{}`)
	cfg.Options.Cache = json.RawMessage(`{
  "dir": "",
  "atomic": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 32768
}`)
	return cfg
}
