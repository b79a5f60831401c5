// Package filesystem 以目录树实现 contract.CacheStore：
// 工件标识映射为 path_to_cache 下的相对路径，写入默认使用同目录临时文件 + 原子替换。
package filesystem

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"blendsplit/pkg/contract"
)

// Options: 缓存目录配置。
type Options struct {
	// Dir: 缓存根目录（必需）。
	Dir string `json:"dir"`
	// Atomic: 是否原子替换；nil 时默认 true。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 为 0 时使用 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	BufSize  int         `json:"buf_size,omitempty"`
}

type Store struct {
	root    string
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

var _ contract.CacheStore = (*Store)(nil)

// New 创建文件系统缓存；目录可以尚不存在（首次写入时创建）。
func New(opts *Options) (*Store, error) {
	if opts == nil || strings.TrimSpace(opts.Dir) == "" {
		return nil, os.ErrInvalid
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 32 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &Store{root: opts.Dir, atomic: atomic, permF: pf, permD: pd, bufSize: bsz}, nil
}

// Root 返回缓存根目录。
func (s *Store) Root() string { return s.root }

// Read 读取整个工件；缺失时错误满足 errors.Is(err, fs.ErrNotExist)。
func (s *Store) Read(ctx context.Context, id contract.ArtifactID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.mapPath(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "cache read %s", id)
	}
	return b, nil
}

// Write 将 r 的全部字节写入 id 对应路径。
func (s *Store) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.mapPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), s.permD); err != nil {
		return pkgerrors.Wrapf(err, "cache mkdir for %s", id)
	}
	if s.atomic {
		err = s.writeAtomic(ctx, dest, r)
	} else {
		err = s.writeOverwrite(ctx, dest, r)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "cache write %s", id)
	}
	return nil
}

// mapPath: Clean + Join；禁止绝对路径、父级逃逸与卷名。
func (s *Store) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(string(id))
	if rel == "." || rel == "" {
		return "", contract.ErrPathInvalid
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", contract.ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(s.root, rel), nil
}

func (s *Store) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, s.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, s.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (s *Store) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, s.permF)

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, s.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 最佳努力：同步父目录
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 每次 Read 前检查 ctx。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
