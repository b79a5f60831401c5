package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func intp(v int) *int { return &v }

func openAll(t *testing.T, ctx context.Context, addr string, world int) []*Group {
	t.Helper()
	groups := make([]*Group, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			groups[r], errs[r] = Open(ctx, Options{Addr: addr, Rank: intp(r), WorldSize: world, DialTimeout: "5s"})
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d open: %v", r, err)
		}
	}
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Close()
		}
	})
	return groups
}

// UT-TCP-01: 三个 rank 握手后共享同一会话
func TestOpenHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gs := openAll(t, ctx, freeAddr(t), 3)
	for r, g := range gs {
		if g.Rank() != r || g.WorldSize() != 3 || !g.Distributed() {
			t.Fatalf("rank %d 字段不符", r)
		}
		if g.Session() != gs[0].Session() {
			t.Fatalf("rank %d 会话不一致", r)
		}
	}
}

// UT-TCP-02: 屏障在最后一个 rank 到达前不放行；多个 key 可并发
func TestBarrier(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gs := openAll(t, ctx, freeAddr(t), 3)

	var passed int32
	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for r, g := range gs {
		for _, key := range []string{"ds:A#0", "ds:B#0"} {
			wg.Add(1)
			go func(r int, g *Group, key string) {
				defer wg.Done()
				if r == 2 && key == "ds:A#0" {
					time.Sleep(50 * time.Millisecond)
					if atomic.LoadInt32(&passed) != 0 {
						errs <- errors.New("rank 2 到达前 ds:A 已放行")
					}
				}
				if err := g.Barrier(ctx, key); err != nil {
					errs <- err
					return
				}
				if key == "ds:A#0" {
					atomic.AddInt32(&passed, 1)
				}
			}(r, g, key)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("barrier: %v", err)
	}
	if passed != 3 {
		t.Fatalf("期望 3 个 rank 通过, got %d", passed)
	}
}

// UT-TCP-03: 关闭后屏障报错
func TestBarrierAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gs := openAll(t, ctx, freeAddr(t), 2)
	_ = gs[1].Close()
	if err := gs[1].Barrier(ctx, "k"); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("关闭后期望 net.ErrClosed, got %v", err)
	}
	// rank 0 感知连接断开
	if err := gs[0].Barrier(ctx, "k"); err == nil {
		t.Fatalf("对端关闭后 rank 0 屏障应失败")
	}
}

// UT-TCP-08: 等待被取消后撤销登记，同一 key 之后仍可正常汇合
func TestBarrierCancelForgetsKey(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gs := openAll(t, ctx, freeAddr(t), 2)

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	if err := gs[1].Barrier(short, "k#0"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("期望超时, got %v", err)
	}
	gs[1].mu.Lock()
	n := len(gs[1].pending)
	gs[1].mu.Unlock()
	if n != 0 {
		t.Fatalf("取消后仍有 %d 个等待登记", n)
	}
	done := make(chan error, 1)
	go func() { done <- gs[0].Barrier(ctx, "k#1") }()
	if err := gs[1].Barrier(ctx, "k#1"); err != nil {
		t.Fatalf("后续屏障不应受影响: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("rank 0 屏障失败: %v", err)
	}
}

// UT-TCP-04: 单 rank 组不建立连接
func TestOpenSingle(t *testing.T) {
	g, err := Open(context.Background(), Options{Rank: intp(0), WorldSize: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer g.Close()
	if g.Distributed() || g.Barrier(context.Background(), "k") != nil {
		t.Fatalf("单 rank 组应为非分布式且屏障立即返回")
	}
}

// UT-TCP-05: 环境变量补齐与校验
func TestResolve(t *testing.T) {
	env := map[string]string{"RANK": "1", "WORLD_SIZE": "4", "MASTER_ADDR": "10.0.0.1", "MASTER_PORT": "29500"}
	o, err := Options{}.Resolve(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *o.Rank != 1 || o.WorldSize != 4 || o.Addr != "10.0.0.1:29500" {
		t.Fatalf("补齐不符: %+v", o)
	}
	if o.dialTimeout() != defaultDialTimeout {
		t.Fatalf("默认 dial_timeout 不符")
	}

	none := func(string) string { return "" }
	o, err = Options{}.Resolve(none)
	if err != nil || *o.Rank != 0 || o.WorldSize != 1 {
		t.Fatalf("空环境应为单 rank: %+v %v", o, err)
	}

	bad := []Options{
		{Rank: intp(2), WorldSize: 2, Addr: "x:1"},
		{Rank: intp(0), WorldSize: 2},
		{Rank: intp(0), WorldSize: -1},
		{Rank: intp(0), WorldSize: 1, DialTimeout: "soon"},
	}
	for i, b := range bad {
		if _, err := b.Resolve(none); err == nil {
			t.Fatalf("case %d 应报错: %+v", i, b)
		}
	}
	if _, err := (Options{}).Resolve(func(k string) string {
		if k == "RANK" {
			return "x"
		}
		return ""
	}); err == nil {
		t.Fatalf("非法 RANK 应报错")
	}
}

// UT-TCP-06: world_size 不一致时握手失败
func TestHandshakeWorldMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr := freeAddr(t)
	var hostErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		g, err := Open(ctx, Options{Addr: addr, Rank: intp(0), WorldSize: 2, DialTimeout: "5s"})
		if g != nil {
			_ = g.Close()
		}
		hostErr = err
	}()
	g, err := Open(ctx, Options{Addr: addr, Rank: intp(1), WorldSize: 3, DialTimeout: "5s"})
	if g != nil {
		_ = g.Close()
	}
	<-done
	if !errors.Is(hostErr, ErrHandshake) {
		t.Fatalf("rank 0 期望握手错误, got %v", hostErr)
	}
	if err == nil {
		t.Fatalf("rank 1 期望失败")
	}
}

// UT-TCP-07: 帧读写往返与超长负载
func TestFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	pa, pb := newPeer(a), newPeer(b)
	go func() { _ = pa.send(msgArrive, []byte("ds:A#3")) }()
	typ, payload, err := pb.recv()
	if err != nil || typ != msgArrive || string(payload) != "ds:A#3" {
		t.Fatalf("往返不符: %d %q %v", typ, payload, err)
	}
	go func() { _ = pa.send(msgArrive, make([]byte, maxPayload+1)) }()
	if _, _, err := pb.recv(); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("超长负载期望 ErrBadFrame, got %v", err)
	}
}
