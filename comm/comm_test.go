package comm_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/pm61/comm"
)

type fakeConn struct {
	bytes.Buffer
	closed int32
}

func (f *fakeConn) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func (f *fakeConn) isClosed() bool {
	return atomic.LoadInt32(&f.closed) == 1
}

type countingMaker struct {
	made  []*fakeConn
	calls int32
}

func (m *countingMaker) make() (io.ReadWriteCloser, error) {
	atomic.AddInt32(&m.calls, 1)
	c := &fakeConn{}
	m.made = append(m.made, c)
	return c, nil
}

func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestPoolReusesConnection(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, time.Minute, m.make)
	for i := 0; i < 3; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal(err)
		}
		pool.Put(conn)
	}
	if m.calls != 1 {
		t.Errorf("expected 1 connection to be made, got %d", m.calls)
	}
}

func TestPoolDestroysOnError(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, time.Minute, m.make)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, errors.New("bus fault"))
	if !m.made[0].isClosed() {
		t.Error("expected errored connection to be closed")
	}
	conn, err = pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, nil)
	if m.calls != 2 {
		t.Errorf("expected a fresh connection after destroy, %d made", m.calls)
	}
}

func TestPoolReclaimsIdleConnections(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, 10*time.Millisecond, m.make)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)
	deadline := time.Now().Add(2 * time.Second)
	for !m.made[0].isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("idle connection was never reclaimed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, time.Minute, m.make)
	held, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		got <- rw
	}()
	select {
	case <-got:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Put(held)
	select {
	case rw := <-got:
		if rw != held {
			t.Error("expected the returned connection to be handed to the waiter")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not given the returned connection")
	}
}

func TestPoolClose(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, time.Minute, m.make)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if !m.made[0].isClosed() {
		t.Error("expected idle connection to be closed")
	}
	if _, err := pool.Get(); err != comm.ErrPoolClosed {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestPoolCloseReleasesWaiters(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, time.Minute, m.make)
	held, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	errs := make(chan error, 1)
	go func() {
		_, err := pool.Get()
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	pool.Close()
	select {
	case err := <-errs:
		if err != comm.ErrPoolClosed {
			t.Errorf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by Close")
	}
	pool.Put(held)
	if !m.made[0].isClosed() {
		t.Error("connection returned after Close should be closed")
	}
}

func TestTerminatorOverEcho(t *testing.T) {
	addr := tcpEchoServer(t)
	conn, err := comm.Dial(addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	rw := comm.Wrap(conn, '\n', '\n', time.Second)
	defer rw.Close()
	for _, cmd := range []string{"*IDN?", "MEAS:POW?\n"} {
		if _, err := io.WriteString(rw, cmd); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		n, err := rw.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		want := string(comm.TrimTerminators([]byte(cmd))) + "\n"
		if string(buf[:n]) != want {
			t.Errorf("expected %q, got %q", want, buf[:n])
		}
	}
}

func TestTerminatorSplitsLongMessages(t *testing.T) {
	src := bytes.NewBufferString("0123456789\nab\n")
	term := comm.NewTerminator(src, '\n', '\n')
	buf := make([]byte, 4)
	var got []string
	for {
		n, err := term.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(buf[:n]))
	}
	want := []string{"0123", "4567", "89\n", "ab\n"}
	if len(got) != len(want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("read %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestTerminatorMissingTerminator(t *testing.T) {
	term := comm.NewTerminator(bytes.NewBufferString("+1.5"), '\n', '\n')
	buf := make([]byte, 16)
	n, err := term.Read(buf)
	if err != comm.ErrTerminatorNotFound {
		t.Errorf("expected ErrTerminatorNotFound, got %v", err)
	}
	if string(buf[:n]) != "+1.5" {
		t.Errorf("expected partial data to be returned, got %q", buf[:n])
	}
}

func TestTimeoutWithDeadlines(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	tm, err := comm.NewTimeout(a, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tm.Read(make([]byte, 8))
	if err != comm.ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

type pipeRW struct {
	*io.PipeReader
	*io.PipeWriter
}

func TestTimeoutWatchdog(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	tm, err := comm.NewTimeout(pipeRW{r, w}, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = tm.Read(make([]byte, 8))
	if err != comm.ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("watchdog took far longer than the timeout")
	}
	// nobody reads this pipe, so writes block
	r2, w2 := io.Pipe()
	defer r2.Close()
	tm, _ = comm.NewTimeout(pipeRW{r2, w2}, 20*time.Millisecond)
	if _, err := tm.Write([]byte("x")); err != comm.ErrTimeout {
		t.Errorf("expected ErrTimeout on write, got %v", err)
	}
}

func TestNewTimeoutRejectsZero(t *testing.T) {
	if _, err := comm.NewTimeout(&fakeConn{}, 0); err == nil {
		t.Error("expected an error for a zero timeout")
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	start := time.Now()
	if _, err := comm.Dial(addr, time.Second); err == nil {
		t.Fatal("expected dial to a closed port to fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("refused connection should fail without retrying to the limit")
	}
}
