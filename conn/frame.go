package conn

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"sync"

	"mini-pool/codec"
	"mini-pool/message"
	"mini-pool/protocol"
)

// NewFrameConn returns a connection speaking the frame protocol over
// TCP, or over TLS when opts.TLS is set. It dials lazily on the first
// dispatch and redials if the link drops.
func NewFrameConn(origin *url.URL, opts Options, events Events) Conn {
	opts = opts.Clone()

	var cache *sessionTicketCache
	if opts.TLS != nil && !opts.TLS.DisableSessionReuse {
		cache = newSessionTicketCache(opts.TLS.Session, events.emitSession)
	}

	dial := func(ctx context.Context) (wire, error) {
		addr := originAddr(origin)
		d := &net.Dialer{}
		var sock net.Conn
		var err error
		if opts.TLS != nil {
			td := &tls.Dialer{NetDialer: d, Config: opts.tlsConfig(origin.Hostname(), cache)}
			sock, err = td.DialContext(ctx, "tcp", addr)
		} else {
			sock, err = d.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, err
		}
		return &frameWire{sock: sock, cdc: codec.GetCodec(opts.Codec)}, nil
	}

	return newClient(origin, opts, events, dial)
}

// originAddr resolves the dial address, defaulting the port by scheme.
func originAddr(origin *url.URL) string {
	host := origin.Hostname()
	port := origin.Port()
	if port == "" {
		switch origin.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

// frameWire moves envelopes over one socket using the frame protocol.
// The write mutex keeps request frames and heartbeat frames from
// interleaving mid-frame on the shared socket.
type frameWire struct {
	sock    net.Conn
	cdc     codec.Codec
	writeMu sync.Mutex
}

func (w *frameWire) writeRequest(seq uint32, req *message.Request) error {
	body, err := w.cdc.Encode(req)
	if err != nil {
		return err
	}
	h := protocol.Header{
		Codec: byte(w.cdc.Type()),
		Type:  protocol.FrameRequest,
		Seq:   seq,
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return protocol.WriteFrame(w.sock, &h, body)
}

func (w *frameWire) readResponse() (uint32, *message.Response, error) {
	for {
		h, body, err := protocol.ReadFrame(w.sock)
		if err != nil {
			return 0, nil, err
		}
		if h.Type != protocol.FrameResponse {
			continue
		}
		resp := &message.Response{}
		if err := codec.GetCodec(codec.CodecType(h.Codec)).Decode(body, resp); err != nil {
			return 0, nil, err
		}
		return h.Seq, resp, nil
	}
}

func (w *frameWire) heartbeat() error {
	h := protocol.Header{Type: protocol.FrameHeartbeat}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return protocol.WriteFrame(w.sock, &h, nil)
}

func (w *frameWire) close() error {
	return w.sock.Close()
}
