package serialio

import (
	"errors"
	"sync"
	"time"
)

// ErrPipeClosed reports a write to a closed pipe end.
var ErrPipeClosed = errors.New("pipe closed")

// Pipe returns two cross-connected in-memory channels: bytes written to one
// end become readable on the other. Read mimics a serial port's timeout
// semantics, returning (0, nil) when the timeout elapses without data. Used
// by bridge tests and loopback mode.
func Pipe(readTimeout time.Duration) (Channel, Channel) {
	if readTimeout <= 0 {
		readTimeout = MaxReadTimeout
	}
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	var once sync.Once
	closed := make(chan struct{})
	closeBoth := func() { once.Do(func() { close(closed) }) }
	a := &pipeEnd{name: "pipe-a", in: ba, out: ab, closed: closed, close: closeBoth, timeout: readTimeout}
	b := &pipeEnd{name: "pipe-b", in: ab, out: ba, closed: closed, close: closeBoth, timeout: readTimeout}
	return a, b
}

type pipeEnd struct {
	name    string
	in      <-chan []byte
	out     chan<- []byte
	closed  chan struct{}
	close   func()
	timeout time.Duration
	pending []byte
}

func (p *pipeEnd) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		select {
		case chunk := <-p.in:
			p.pending = chunk
		case <-t.C:
			return 0, nil
		case <-p.closed:
			// Drain what was written before the close.
			select {
			case chunk := <-p.in:
				p.pending = chunk
			default:
				return 0, ErrPipeClosed
			}
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	chunk := make([]byte, len(b))
	copy(chunk, b)
	select {
	case p.out <- chunk:
		return len(b), nil
	case <-p.closed:
		return 0, ErrPipeClosed
	}
}

func (p *pipeEnd) Close() error {
	p.close()
	return nil
}

func (p *pipeEnd) Name() string { return p.name }
