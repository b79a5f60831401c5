// Package tcp 提供基于 TCP 汇合的进程组：rank 0 监听 addr，其余 rank 连入并握手；
// 屏障由 rank 0 汇总到达消息后统一放行。
//
// 帧格式：msgType(uint64 LE) + length(uint64 LE) + payload。
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"blendsplit/pkg/contract"
	"blendsplit/plugins/group/local"
)

const (
	msgHello   uint64 = 1 // rank → 0: rank, world
	msgWelcome uint64 = 2 // 0 → rank: session id
	msgArrive  uint64 = 3 // rank → 0: barrier key
	msgRelease uint64 = 4 // 0 → rank: barrier key
)

// maxPayload: 单帧负载上限（屏障 key 很短）。
const maxPayload = 64 * 1024

const defaultDialTimeout = 60 * time.Second

var (
	ErrBadFrame  = errors.New("tcp group: bad frame")
	ErrHandshake = errors.New("tcp group: handshake failed")
)

// Options: 进程组配置；缺省项从环境变量 RANK/WORLD_SIZE/MASTER_ADDR/MASTER_PORT 补齐。
type Options struct {
	Addr      string `json:"addr,omitempty"`
	Rank      *int   `json:"rank,omitempty"`
	WorldSize int    `json:"world_size,omitempty"`
	// DialTimeout: 非零 rank 连接 rank 0 的总等待时长（Go duration），默认 60s。
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// Resolve 以 getenv 补齐缺省项并校验。
func (o Options) Resolve(getenv func(string) string) (Options, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if o.Rank == nil {
		if v := strings.TrimSpace(getenv("RANK")); v != "" {
			r, err := strconv.Atoi(v)
			if err != nil {
				return o, fmt.Errorf("tcp group: RANK=%q: %w", v, err)
			}
			o.Rank = &r
		} else {
			zero := 0
			o.Rank = &zero
		}
	}
	if o.WorldSize == 0 {
		if v := strings.TrimSpace(getenv("WORLD_SIZE")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return o, fmt.Errorf("tcp group: WORLD_SIZE=%q: %w", v, err)
			}
			o.WorldSize = n
		} else {
			o.WorldSize = 1
		}
	}
	if o.Addr == "" {
		host, port := strings.TrimSpace(getenv("MASTER_ADDR")), strings.TrimSpace(getenv("MASTER_PORT"))
		if host != "" && port != "" {
			o.Addr = net.JoinHostPort(host, port)
		}
	}
	if o.WorldSize < 1 {
		return o, fmt.Errorf("tcp group: world_size %d < 1", o.WorldSize)
	}
	if *o.Rank < 0 || *o.Rank >= o.WorldSize {
		return o, fmt.Errorf("tcp group: rank %d out of range [0,%d)", *o.Rank, o.WorldSize)
	}
	if o.WorldSize > 1 && o.Addr == "" {
		return o, errors.New("tcp group: addr (or MASTER_ADDR/MASTER_PORT) required when world_size > 1")
	}
	if o.DialTimeout != "" {
		if d, err := time.ParseDuration(o.DialTimeout); err != nil || d <= 0 {
			return o, fmt.Errorf("tcp group: invalid dial_timeout %q", o.DialTimeout)
		}
	}
	return o, nil
}

func (o Options) dialTimeout() time.Duration {
	if d, err := time.ParseDuration(o.DialTimeout); err == nil && d > 0 {
		return d
	}
	return defaultDialTimeout
}

// Group 实现 contract.ProcessGroup。
type Group struct {
	rank    int
	world   int
	session uuid.UUID

	ln    net.Listener
	peers map[int]*peer // 仅 rank 0
	mesh  *local.Mesh   // 仅 rank 0：汇总各 rank 的到达
	up    *peer         // 仅非零 rank

	mu      sync.Mutex
	pending map[string]chan struct{}
	dead    chan struct{}
	deadErr error
	once    sync.Once
}

var _ contract.ProcessGroup = (*Group)(nil)

func (g *Group) Distributed() bool { return g.world > 1 }
func (g *Group) Rank() int { return g.rank }
func (g *Group) WorldSize() int { return g.world }

// Session 返回 rank 0 分配的会话标识（全组一致）。
func (g *Group) Session() uuid.UUID { return g.session }

// Open 建立进程组：rank 0 等待其余 rank 全部握手，其余 rank 连接 rank 0（带重试直至 dial_timeout）。
func Open(ctx context.Context, opts Options) (*Group, error) {
	o, err := opts.Resolve(nil)
	if err != nil {
		return nil, err
	}
	g := &Group{
		rank:    *o.Rank,
		world:   o.WorldSize,
		pending: make(map[string]chan struct{}),
		dead:    make(chan struct{}),
	}
	if g.world == 1 {
		g.session = uuid.New()
		return g, nil
	}
	if g.rank == 0 {
		err = g.host(ctx, o.Addr)
	} else {
		err = g.join(ctx, o.Addr, o.dialTimeout())
	}
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

func (g *Group) host(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return pkgerrors.Wrapf(err, "tcp group: listen %s", addr)
	}
	g.ln = ln
	g.session = uuid.New()
	g.mesh = local.NewMesh(g.world)
	g.peers = make(map[int]*peer, g.world-1)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for len(g.peers) < g.world-1 {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return pkgerrors.Wrap(err, "tcp group: accept")
		}
		p := newPeer(conn)
		r, err := g.greet(p)
		if err != nil {
			_ = conn.Close()
			return err
		}
		g.peers[r] = p
	}
	for r, p := range g.peers {
		go g.serve(r, p)
	}
	return nil
}

// greet: 读取 hello 并回复 welcome。
func (g *Group) greet(p *peer) (int, error) {
	typ, payload, err := p.recv()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "tcp group: read hello")
	}
	if typ != msgHello || len(payload) != 16 {
		return 0, pkgerrors.Wrapf(ErrHandshake, "unexpected frame type=%d len=%d", typ, len(payload))
	}
	r := int(binary.LittleEndian.Uint64(payload[:8]))
	w := int(binary.LittleEndian.Uint64(payload[8:]))
	if w != g.world {
		return 0, pkgerrors.Wrapf(ErrHandshake, "rank %d reports world_size %d, want %d", r, w, g.world)
	}
	if r <= 0 || r >= g.world {
		return 0, pkgerrors.Wrapf(ErrHandshake, "rank %d out of range", r)
	}
	if _, dup := g.peers[r]; dup {
		return 0, pkgerrors.Wrapf(ErrHandshake, "rank %d joined twice", r)
	}
	if err := p.send(msgWelcome, g.session[:]); err != nil {
		return 0, pkgerrors.Wrap(err, "tcp group: send welcome")
	}
	return r, nil
}

// serve: rank 0 上每个连接一个读循环；到达消息在本地 mesh 上汇合后回发 release。
func (g *Group) serve(rank int, p *peer) {
	member := g.mesh.Member(rank)
	for {
		typ, payload, err := p.recv()
		if err != nil {
			g.fail(pkgerrors.Wrapf(err, "tcp group: rank %d", rank))
			return
		}
		if typ != msgArrive {
			g.fail(pkgerrors.Wrapf(ErrBadFrame, "rank %d sent type %d", rank, typ))
			return
		}
		go func(key []byte) {
			ctx, cancel := g.watch(context.Background())
			defer cancel()
			if err := member.Barrier(ctx, string(key)); err != nil {
				return
			}
			if err := p.send(msgRelease, key); err != nil {
				g.fail(pkgerrors.Wrapf(err, "tcp group: release rank %d", rank))
			}
		}(payload)
	}
}

func (g *Group) join(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	d := net.Dialer{Timeout: 5 * time.Second}
	var conn net.Conn
	for {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = c
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return pkgerrors.Wrapf(err, "tcp group: dial %s", addr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	p := newPeer(conn)
	g.up = p
	hello := make([]byte, 16)
	binary.LittleEndian.PutUint64(hello[:8], uint64(g.rank))
	binary.LittleEndian.PutUint64(hello[8:], uint64(g.world))
	if err := p.send(msgHello, hello); err != nil {
		return pkgerrors.Wrap(err, "tcp group: send hello")
	}
	typ, payload, err := p.recv()
	if err != nil {
		return pkgerrors.Wrap(err, "tcp group: read welcome")
	}
	if typ != msgWelcome {
		return pkgerrors.Wrapf(ErrHandshake, "unexpected frame type=%d", typ)
	}
	s, err := uuid.FromBytes(payload)
	if err != nil {
		return pkgerrors.Wrapf(ErrHandshake, "session id: %v", err)
	}
	g.session = s
	go g.releases()
	return nil
}

// releases: 非零 rank 的读循环，按 key 唤醒等待者。
func (g *Group) releases() {
	for {
		typ, payload, err := g.up.recv()
		if err != nil {
			g.fail(pkgerrors.Wrap(err, "tcp group: rank 0 connection"))
			return
		}
		if typ != msgRelease {
			g.fail(pkgerrors.Wrapf(ErrBadFrame, "rank 0 sent type %d", typ))
			return
		}
		key := string(payload)
		g.mu.Lock()
		if ch, ok := g.pending[key]; ok {
			close(ch)
			delete(g.pending, key)
		}
		g.mu.Unlock()
	}
}

// Barrier 阻塞直到全组以 key 到达；连接中断时返回该错误。
func (g *Group) Barrier(ctx context.Context, key string) error {
	if g.world == 1 {
		return nil
	}
	if err := g.failed(); err != nil {
		return err
	}
	if g.rank == 0 {
		wctx, cancel := g.watch(ctx)
		defer cancel()
		if err := g.mesh.Member(0).Barrier(wctx, key); err != nil {
			if derr := g.failed(); derr != nil {
				return derr
			}
			return err
		}
		return nil
	}
	ch := make(chan struct{})
	g.mu.Lock()
	g.pending[key] = ch
	g.mu.Unlock()
	if err := g.up.send(msgArrive, []byte(key)); err != nil {
		g.forget(key, ch)
		return pkgerrors.Wrapf(err, "tcp group: arrive %s", key)
	}
	select {
	case <-ch:
		return nil
	case <-g.dead:
		g.forget(key, ch)
		return g.failed()
	case <-ctx.Done():
		g.forget(key, ch)
		return ctx.Err()
	}
}

// forget 撤销未完成的等待登记（仅当登记仍是 ch 时）。
func (g *Group) forget(key string, ch chan struct{}) {
	g.mu.Lock()
	if g.pending[key] == ch {
		delete(g.pending, key)
	}
	g.mu.Unlock()
}


// watch 派生在组失效时自动取消的 ctx。
func (g *Group) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-g.dead:
			cancel()
		case <-wctx.Done():
		}
	}()
	return wctx, cancel
}

func (g *Group) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deadErr == nil {
		g.deadErr = err
		close(g.dead)
	}
}

func (g *Group) failed() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deadErr
}

// Close 关闭监听与全部连接；之后的屏障返回 net.ErrClosed。
func (g *Group) Close() error {
	g.once.Do(func() {
		g.fail(net.ErrClosed)
		if g.ln != nil {
			_ = g.ln.Close()
		}
		for _, p := range g.peers {
			_ = p.conn.Close()
		}
		if g.up != nil {
			_ = g.up.conn.Close()
		}
	})
	return nil
}

type peer struct {
	mu   sync.Mutex // 单写者
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

func (p *peer) send(typ uint64, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint(0); i <= 56; i += 8 {
		_ = p.w.WriteByte(byte(typ >> i))
	}
	n := uint64(len(payload))
	for i := uint(0); i <= 56; i += 8 {
		_ = p.w.WriteByte(byte(n >> i))
	}
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	return p.w.Flush()
}

func (p *peer) recv() (uint64, []byte, error) {
	typ, err := readUint64(p.r)
	if err != nil {
		return 0, nil, err
	}
	n, err := readUint64(p.r)
	if err != nil {
		return 0, nil, err
	}
	if n > maxPayload {
		return 0, nil, pkgerrors.Wrapf(ErrBadFrame, "payload %d exceeds %d", n, maxPayload)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return 0, nil, err
	}
	return typ, buf, nil
}

func readUint64(r io.ByteReader) (uint64, error) {
	var v uint64
	for i := uint(0); i <= 56; i += 8 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << i
	}
	return v, nil
}
