package comm

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrPoolClosed is generated when a connection is requested from a closed pool
var ErrPoolClosed = errors.New("connection pool is closed")

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
//
// A pool of size one gives exclusive, serialised access to a device.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // idle time after all are returned before they are freed
	conns   chan io.ReadWriteCloser // idle connections
	timer   *time.Timer             // fires reclaim once the pool has been idle for timeout
	maker   CreationFunc
	done    chan struct{} // closed by Close to release waiters
	closed  bool
	mu      sync.Mutex
}

// NewPool creates a pool of at most maxSize connections made by maker.
// Idle connections are closed after timeout; a timeout <= 0 keeps them
// until Close.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
		done:    make(chan struct{}),
	}
	p.timer = time.AfterFunc(time.Hour, p.reclaim)
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  It is guaranteed that there is no contention for the ReadWriter.
//
// When done with the connection, return it with Put, or discard it with
// Destroy if it has gone bad.  ReturnWithError chooses between the two.
//
// If the error from Get is not nil, you must not return the connection
// to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	// short circuit: if a connection is available, immediately return it
	select {
	case c := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return c, nil
	default:
	}
	// none idle, but room to make one
	if p.onLease < p.maxSize {
		c, err := p.maker()
		if err == nil {
			p.onLease++
		}
		p.mu.Unlock()
		return c, err
	}
	p.mu.Unlock()

	// all given out; wait for one to come back
	select {
	case c := <-p.conns:
		p.mu.Lock()
		p.onLease++
		p.mu.Unlock()
		return c, nil
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

// Put restores a connection to the pool.  It may be reused, or will be
// freed once every connection is back and the timeout has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	if p.closed {
		rwc.Close()
		return
	}
	p.conns <- rwc // never blocks, at most maxSize exist
	if p.onLease == 0 && p.timeout > 0 {
		p.timer.Reset(p.timeout)
	}
}

// Destroy immediately frees a connection.  This should be used instead of Put
// if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError returns the connection with Put if err is nil, else
// Destroys it
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Close frees every idle connection and refuses further use.  Connections on
// lease are closed when they are returned.  The first error from closing an
// idle connection is returned.  Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	p.timer.Stop()
	return p.drain()
}

// reclaim closes idle connections if the pool is still idle
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease > 0 {
		return
	}
	p.drain()
}

// drain closes every idle connection.  p.mu must be held.
func (p *Pool) drain() error {
	var first error
	for {
		select {
		case c := <-p.conns:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}
