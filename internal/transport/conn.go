package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// Response is a successful reply. Payload aliases a pooled buffer that is
// returned by Release; callers must copy anything they keep.
type Response struct {
	Payload []byte
	f       *frame
}

// Release returns the response buffer to the pool.
func (r *Response) Release() {
	if r != nil && r.f != nil {
		r.f.release()
		r.f = nil
	}
}

// Conn is the client end of a connection. Calls may be issued concurrently;
// responses are matched to requests by id.
type Conn struct {
	opts Options
	w    *wire
	addr string

	mu      sync.Mutex
	pending map[uint32]chan *frame
	nextID  uint32
	closed  bool
	err     error

	done chan struct{}
	wg   sync.WaitGroup
}

// Dial connects to a server at addr ("host:port" or a ws/http URL).
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	opts.setDefaults()
	u, err := wsURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", addr, err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, cas.Errorf(cas.ErrClosed, "dial", cas.ZeroKey, "%s: %s", u, resp.Status)
		}
		if ctx.Err() != nil {
			return nil, cas.Wrap(cas.ErrTimeout, "dial", cas.ZeroKey, err)
		}
		return nil, cas.Wrap(cas.ErrClosed, "dial", cas.ZeroKey, err)
	}

	logger := opts.Logger.With().Str("component", "transport").Str("server", addr).Logger()
	// The server's message size is only known after Connect, so accept the
	// largest any server may announce.
	w, err := newWire(ws, &opts, frameLimit(proto.MaxMessageSize), logger)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Conn{
		opts:    opts,
		w:       w,
		addr:    addr,
		pending: make(map[uint32]chan *frame),
		done:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Addr returns the address the connection was dialed with.
func (c *Conn) Addr() string { return c.addr }

// Done is closed when the connection is lost or closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a request and waits for its response. A non-OK status is
// returned as the matching cas error kind.
func (c *Conn) Call(ctx context.Context, t proto.MsgType, req proto.Message) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return nil, cas.Wrap(cas.ErrClosed, t.String(), cas.ZeroKey, err)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var fill func([]byte) []byte
	if req != nil {
		fill = req.Append
	}
	if err := c.w.send(ctx, frameRequest, id, byte(t), fill); err != nil {
		c.forget(id, ch)
		return nil, err
	}

	select {
	case f := <-ch:
		if f.code != cas.CodeOK {
			err := cas.ErrorFromCode(f.code, t.String(), string(f.payload))
			f.release()
			return nil, err
		}
		return &Response{Payload: f.payload, f: f}, nil
	case <-ctx.Done():
		c.forget(id, ch)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, cas.Wrap(cas.ErrTimeout, t.String(), cas.ZeroKey, ctx.Err())
		}
		return nil, cas.Wrap(cas.ErrClosed, t.String(), cas.ZeroKey, ctx.Err())
	case <-c.done:
		c.forget(id, ch)
		return nil, cas.Wrap(cas.ErrClosed, t.String(), cas.ZeroKey, c.Err())
	}
}

// forget unregisters id and releases a response that raced in.
func (c *Conn) forget(id uint32, ch chan *frame) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	select {
	case f := <-ch:
		f.release()
	default:
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		f, err := c.w.recv()
		if err != nil {
			if !isClosedErr(err) {
				c.w.logger.Debug().Err(err).Msg("connection read failed")
			}
			c.shutdown(err)
			return
		}
		if f.kind != frameResponse {
			c.w.logger.Warn().Uint8("kind", f.kind).Msg("unexpected frame from server")
			f.release()
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.id]
		delete(c.pending, f.id)
		c.mu.Unlock()
		if !ok {
			f.release()
			continue
		}
		ch <- f
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.w.ping(); err != nil {
				c.w.logger.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if err == nil {
		err = errors.New("connection closed")
	}
	c.err = err
	close(c.done)
	c.mu.Unlock()
	_ = c.w.ws.Close()
}

// Close closes the connection and waits for its goroutines to exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	already := c.closed
	c.mu.Unlock()
	if !already {
		c.w.writeMu.Lock()
		c.w.closeGracefully("client closing")
		c.w.writeMu.Unlock()
		c.shutdown(errors.New("closed by client"))
	}
	c.wg.Wait()
	return nil
}
