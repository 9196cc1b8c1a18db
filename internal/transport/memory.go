package transport

import (
	"context"
	"sync"
)

// Pipe returns two connected in-process stream ends.
func Pipe() (Stream, Stream) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, done: done, once: once}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (p *pipeEnd) Send(frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case <-p.done:
		return ErrStreamClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrStreamClosed
	}
}

func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		// frames sent before the close are still delivered
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrStreamClosed
		}
	}
}

// Close tears down both ends, like a stream reset.
func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// MemoryTransport hands every opened stream to handler on its own goroutine.
// It is the in-process counterpart of the gRPC transport.
type MemoryTransport struct {
	handler Handler

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryTransport(handler Handler) *MemoryTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryTransport{handler: handler, ctx: ctx, cancel: cancel}
}

func (m *MemoryTransport) OpenStream(ctx context.Context) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, remote := Pipe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer remote.Close()
		finished := make(chan struct{})
		defer close(finished)
		go func() {
			select {
			case <-m.ctx.Done():
				remote.Close()
			case <-finished:
			}
		}()
		_ = m.handler(m.ctx, remote)
	}()
	return local, nil
}

// Close stops accepting streams and waits for running handlers.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
