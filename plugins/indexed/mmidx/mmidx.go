// Package mmidx 读取 MMIDIDX 格式索引（.idx + .bin）的头部计数。
// 只解析 .idx 头与各数组的长度校验，不解码样本。
package mmidx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/pkg/errors"

	"blendsplit/pkg/contract"
)

// Magic: .idx 文件头魔数。
var Magic = []byte("MMIDIDX\x00\x00")

// Version: 支持的索引版本。
const Version uint64 = 1

// headerSize: magic(9) + version(8) + dtype(1) + sequence_count(8) + document_count(8)。
const headerSize = 9 + 8 + 1 + 8 + 8

// dtype 编码 → 元素字节数。
var dtypeSizes = map[uint8]int{
	1: 1, // uint8
	2: 1, // int8
	3: 2, // int16
	4: 4, // int32
	5: 8, // int64
	6: 8, // float64
	7: 4, // float32
	8: 2, // uint16
}

// Header: .idx 头部。
type Header struct {
	Version       uint64
	DType         uint8
	SequenceCount uint64
	DocumentCount uint64
}

// Options: 适配器配置（当前无必需项）。
type Options struct {
	// SkipBin: 为 true 时不检查 .bin 是否存在。
	SkipBin bool `json:"skip_bin,omitempty"`
}

// Opener 实现 contract.IndexedOpener。
type Opener struct {
	skipBin bool
}

var _ contract.IndexedOpener = (*Opener)(nil)

func New(opts *Options) *Opener {
	if opts == nil {
		return &Opener{}
	}
	return &Opener{skipBin: opts.SkipBin}
}

// Dataset: 已打开的索引句柄（只读）。
type Dataset struct {
	prefix     string
	multimodal bool
	header     Header
}

func (d *Dataset) Prefix() string { return d.prefix }
func (d *Dataset) Multimodal() bool { return d.multimodal }
func (d *Dataset) Header() Header { return d.header }

// ElementCount: 按序列切分时为序列数，否则为文档数（文档边界数 - 1）。
func (d *Dataset) ElementCount(splitBySequence bool) int {
	if splitBySequence {
		return int(d.header.SequenceCount)
	}
	if d.header.DocumentCount == 0 {
		return 0
	}
	return int(d.header.DocumentCount - 1)
}

// IndexPath / BinPath: 前缀对应的文件路径。
func IndexPath(prefix string) string { return prefix + ".idx" }
func BinPath(prefix string) string { return prefix + ".bin" }

// Open 读取 prefix.idx 头并校验文件长度；.bin 缺失同样报错。
func (o *Opener) Open(ctx context.Context, prefix string, multimodal bool) (contract.IndexedDataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(IndexPath(prefix))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open index %s", prefix)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "stat index %s", prefix)
	}
	h, err := ReadHeader(bufio.NewReader(f))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read index header %s", prefix)
	}
	if need := h.minIndexSize(multimodal); uint64(st.Size()) < need {
		return nil, pkgerrors.Wrapf(contract.ErrIO, "index %s truncated: %d bytes, need %d", prefix, st.Size(), need)
	}
	if !o.skipBin {
		if _, err := os.Stat(BinPath(prefix)); err != nil {
			return nil, pkgerrors.Wrapf(err, "stat data %s", prefix)
		}
	}
	return &Dataset{prefix: prefix, multimodal: multimodal, header: h}, nil
}

// minIndexSize: 头 + sequence_lengths(int32) + sequence_pointers(int64) + document_indices(int64)
// (+ sequence_modes(int8)，仅多模态)。
func (h Header) minIndexSize(multimodal bool) uint64 {
	n := uint64(headerSize) + h.SequenceCount*4 + h.SequenceCount*8 + h.DocumentCount*8
	if multimodal {
		n += h.SequenceCount
	}
	return n
}

// ReadHeader 解析 .idx 头；魔数/版本/dtype 不符时返回 contract.ErrIO 包装的错误。
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return h, pkgerrors.Wrap(err, "magic")
	}
	if !bytes.Equal(magic, Magic) {
		return h, pkgerrors.Wrapf(contract.ErrIO, "bad magic %q", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return h, pkgerrors.Wrap(err, "version")
	}
	if h.Version != Version {
		return h, pkgerrors.Wrapf(contract.ErrIO, "unsupported index version %d", h.Version)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.DType); err != nil {
		return h, pkgerrors.Wrap(err, "dtype")
	}
	if _, ok := dtypeSizes[h.DType]; !ok {
		return h, pkgerrors.Wrapf(contract.ErrIO, "unknown dtype code %d", h.DType)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.SequenceCount); err != nil {
		return h, pkgerrors.Wrap(err, "sequence count")
	}
	if err := binary.Read(r, binary.LittleEndian, &h.DocumentCount); err != nil {
		return h, pkgerrors.Wrap(err, "document count")
	}
	return h, nil
}

// WriteIndex 写出完整的 .idx（头 + 数组），用于生成小型索引夹具。
// documentIndices 为文档边界（首项 0，末项为序列数）；modes 仅在多模态时写出。
func WriteIndex(w io.Writer, dtype uint8, sequenceLengths []int32, documentIndices []int64, modes []int8) error {
	size, ok := dtypeSizes[dtype]
	if !ok {
		return fmt.Errorf("unknown dtype code %d", dtype)
	}
	if modes != nil && len(modes) != len(sequenceLengths) {
		return fmt.Errorf("%d modes for %d sequences", len(modes), len(sequenceLengths))
	}
	bw := bufio.NewWriter(w)
	pointers := make([]int64, len(sequenceLengths))
	var off int64
	for i, n := range sequenceLengths {
		pointers[i] = off
		off += int64(n) * int64(size)
	}
	parts := []any{
		Version, dtype,
		uint64(len(sequenceLengths)), uint64(len(documentIndices)),
		sequenceLengths, pointers, documentIndices,
	}
	if _, err := bw.Write(Magic); err != nil {
		return err
	}
	for _, p := range parts {
		if err := binary.Write(bw, binary.LittleEndian, p); err != nil {
			return err
		}
	}
	if modes != nil {
		if err := binary.Write(bw, binary.LittleEndian, modes); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFixture 在 prefix 处生成 .idx/.bin：numDocs 个文档，每个文档 seqsPerDoc 条序列，
// 每条序列 seqLen 个 int32 token（全零）。
func WriteFixture(prefix string, numDocs, seqsPerDoc, seqLen int, multimodal bool) error {
	nseq := numDocs * seqsPerDoc
	lengths := make([]int32, nseq)
	for i := range lengths {
		lengths[i] = int32(seqLen)
	}
	docs := make([]int64, numDocs+1)
	for i := range docs {
		docs[i] = int64(i * seqsPerDoc)
	}
	var modes []int8
	if multimodal {
		modes = make([]int8, nseq)
	}
	var buf bytes.Buffer
	if err := WriteIndex(&buf, 4, lengths, docs, modes); err != nil {
		return err
	}
	if err := os.WriteFile(IndexPath(prefix), buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.WriteFile(BinPath(prefix), make([]byte, nseq*seqLen*4), 0o644)
}
