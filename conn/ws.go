package conn

import (
	"context"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"mini-pool/message"
)

// NewWSConn returns a connection speaking JSON envelopes over a single
// WebSocket. It honors the same dispatch/close/destroy contract as the
// framed transport; only the bytes on the wire differ.
func NewWSConn(origin *url.URL, opts Options, events Events) Conn {
	opts = opts.Clone()

	var cache *sessionTicketCache
	if opts.TLS != nil && !opts.TLS.DisableSessionReuse {
		cache = newSessionTicketCache(opts.TLS.Session, events.emitSession)
	}

	dial := func(ctx context.Context) (wire, error) {
		u := *origin
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		d := websocket.Dialer{HandshakeTimeout: opts.dialTimeout()}
		if opts.TLS != nil {
			u.Scheme = "wss"
			d.TLSClientConfig = opts.tlsConfig(origin.Hostname(), cache)
		}
		ws, _, err := d.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		return &wsWire{ws: ws}, nil
	}

	return newClient(origin, opts, events, dial)
}

// wsEnvelope is one multiplexed message on the WebSocket: exactly one
// of Request or Response is set, tied together by Seq.
type wsEnvelope struct {
	Seq      uint32            `json:"seq"`
	Request  *message.Request  `json:"request,omitempty"`
	Response *message.Response `json:"response,omitempty"`
}

// wsWire adapts a gorilla WebSocket to the engine's wire contract.
// gorilla allows at most one concurrent writer, so request writes and
// ping frames share a mutex.
type wsWire struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsWire) writeRequest(seq uint32, req *message.Request) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.ws.WriteJSON(wsEnvelope{Seq: seq, Request: req})
}

func (w *wsWire) readResponse() (uint32, *message.Response, error) {
	for {
		var env wsEnvelope
		if err := w.ws.ReadJSON(&env); err != nil {
			return 0, nil, err
		}
		if env.Response == nil {
			continue
		}
		return env.Seq, env.Response, nil
	}
}

func (w *wsWire) heartbeat() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.ws.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsWire) close() error {
	return w.ws.Close()
}
