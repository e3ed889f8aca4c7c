// Package transport carries casmesh request/response messages over websocket
// binary frames, with optional pre-shared-key encryption and rate limiting.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// Path is the HTTP path the server accepts connections on.
const Path = "/cas/v1/connect"

// Frame layout: [kind u8][reqID u32][code u8][payload]. For requests code is
// the message type, for responses the status.
const (
	frameRequest  byte = 1
	frameResponse byte = 2

	frameHeaderSize = 6
)

// Defaults for Options.
const (
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 90 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultCallTimeout      = 5 * time.Minute
	DefaultHandshakeTimeout = 30 * time.Second
)

// Observer receives transport statistics. Implementations must be safe for
// concurrent use.
type Observer interface {
	BytesSent(n int)
	BytesReceived(n int)
}

// Options configures both ends of a connection.
type Options struct {
	// MessageSize is the payload capacity; frames are bounded by
	// proto.MaxFrameSize(MessageSize).
	MessageSize int
	// PSK enables frame encryption when non-empty. Both ends must agree.
	PSK string
	// RateLimit caps bytes per second sent on each connection. Zero is unlimited.
	RateLimit        int64
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	Observer         Observer
	Logger           zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.MessageSize <= 0 {
		o.MessageSize = proto.DefaultMessageSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// frameLimit is the largest websocket message either end accepts.
func frameLimit(messageSize int) int {
	return frameHeaderSize + proto.MaxFrameSize(messageSize) + sealOverhead
}

// wire is the framing shared by client connections and server sessions.
type wire struct {
	ws       *websocket.Conn
	sealer   *sealer
	limiter  *rate.Limiter
	observer Observer
	logger   zerolog.Logger
	limit    int
	readWait time.Duration
	writeTTL time.Duration

	writeMu sync.Mutex
}

func newWire(ws *websocket.Conn, opts *Options, limit int, logger zerolog.Logger) (*wire, error) {
	s, err := newSealer(opts.PSK)
	if err != nil {
		return nil, err
	}
	w := &wire{
		ws:       ws,
		sealer:   s,
		observer: opts.Observer,
		logger:   logger,
		limit:    limit,
		readWait: opts.ReadTimeout,
		writeTTL: opts.WriteTimeout,
	}
	if opts.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), limit)
	}
	ws.SetReadLimit(int64(limit))
	_ = ws.SetReadDeadline(time.Now().Add(w.readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(w.readWait))
	})
	return w, nil
}

// send writes one frame. body is appended after the header by fill so the
// frame is built in a single pooled buffer.
func (w *wire) send(ctx context.Context, kind byte, id uint32, code byte, fill func([]byte) []byte) error {
	buf := pool.Get(w.limit)
	defer pool.Put(buf)

	frame := buf[:frameHeaderSize]
	frame[0] = kind
	binary.LittleEndian.PutUint32(frame[1:], id)
	frame[5] = code
	if fill != nil {
		frame = fill(frame)
	}

	out := frame
	if w.sealer != nil {
		sealed := pool.Get(len(frame) + sealOverhead)
		defer pool.Put(sealed)
		var err error
		out, err = w.sealer.seal(sealed[:0], frame)
		if err != nil {
			return err
		}
	}
	if len(out) > w.limit {
		return cas.Errorf(cas.ErrProtocol, "send", cas.ZeroKey, "frame of %d bytes exceeds limit %d", len(out), w.limit)
	}

	if w.limiter != nil {
		if err := w.limiter.WaitN(ctx, len(out)); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(w.writeTTL))
	if err := w.ws.WriteMessage(websocket.BinaryMessage, out); err != nil {
		return cas.Wrap(cas.ErrClosed, "send", cas.ZeroKey, err)
	}
	if w.observer != nil {
		w.observer.BytesSent(len(out))
	}
	return nil
}

// frame is one received message. buf is pooled and must be released.
type frame struct {
	kind    byte
	id      uint32
	code    byte
	payload []byte
	buf     []byte
}

func (f *frame) release() {
	if f.buf != nil {
		pool.Put(f.buf)
		f.buf = nil
	}
}

// recv reads the next frame into a pooled buffer.
func (w *wire) recv() (*frame, error) {
	_, r, err := w.ws.NextReader()
	if err != nil {
		return nil, err
	}
	buf := pool.Get(w.limit)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		pool.Put(buf)
		return nil, err
	}
	_ = w.ws.SetReadDeadline(time.Now().Add(w.readWait))
	if w.observer != nil {
		w.observer.BytesReceived(n)
	}

	data := buf[:n]
	if w.sealer != nil {
		if data, err = w.sealer.open(data); err != nil {
			pool.Put(buf)
			return nil, err
		}
	}
	if len(data) < frameHeaderSize {
		pool.Put(buf)
		return nil, cas.Errorf(cas.ErrProtocol, "recv", cas.ZeroKey, "frame of %d bytes too short", len(data))
	}
	return &frame{
		kind:    data[0],
		id:      binary.LittleEndian.Uint32(data[1:]),
		code:    data[5],
		payload: data[frameHeaderSize:],
		buf:     buf,
	}, nil
}

func (w *wire) ping() error {
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTTL))
}

func (w *wire) closeGracefully(reason string) {
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	_ = w.ws.Close()
}

// isClosedErr reports whether err is an expected end-of-connection error.
func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, io.EOF) || strings.Contains(err.Error(), "use of closed network connection")
}

// wsURL turns an address or http(s) URL into the websocket endpoint.
func wsURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		return "ws://" + addr + Path, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	return u.String(), nil
}
