package contract

import (
	"context"
	"io"
)

// ArtifactID: 缓存工件的逻辑标识（相对路径形式，需规范化）。
type ArtifactID string

// CacheStore: 构建期缓存工件存储（例如视图描述文件）。
// 约束：
//  1. 同一 ArtifactID 只由负责首次构建的 rank 写入；
//  2. 缺失时 Read 返回的错误满足 errors.Is(err, fs.ErrNotExist)；
//  3. 错误直接上抛（不做重试/回退）。
type CacheStore interface {
	Read(ctx context.Context, id ArtifactID) ([]byte, error)
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
