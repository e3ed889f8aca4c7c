package client

import (
	"context"

	"github.com/casmesh/casmesh/internal/transport"
	"github.com/casmesh/casmesh/pkg/proto"
)

// remote is a connected session with the server or a zone proxy.
type remote struct {
	conn    *transport.Conn
	info    proto.ConnectResponse
	segSize int
	addr    string
}

func dialRemote(ctx context.Context, addr string, opts transport.Options, req *proto.ConnectRequest) (*remote, error) {
	conn, err := transport.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	r := &remote{conn: conn, addr: addr}
	if err := r.call(ctx, proto.MsgConnect, req, &r.info); err != nil {
		_ = conn.Close()
		return nil, err
	}
	r.segSize = proto.SegmentSize(int(r.info.MessageSize))
	return r, nil
}

// do sends req and hands the response payload to fn. The payload is only
// valid while fn runs.
func (r *remote) do(ctx context.Context, t proto.MsgType, req proto.Message, fn func(payload []byte) error) error {
	resp, err := r.conn.Call(ctx, t, req)
	if err != nil {
		return err
	}
	defer resp.Release()
	if fn == nil {
		return nil
	}
	return fn(resp.Payload)
}

// call sends req and decodes the response into resp, which must not keep
// references into the payload.
func (r *remote) call(ctx context.Context, t proto.MsgType, req, resp proto.Message) error {
	return r.do(ctx, t, req, func(payload []byte) error {
		if resp == nil {
			return nil
		}
		return proto.Unmarshal(t, payload, resp)
	})
}

func (r *remote) alive() bool {
	select {
	case <-r.conn.Done():
		return false
	default:
		return true
	}
}

func (r *remote) close() error {
	return r.conn.Close()
}
