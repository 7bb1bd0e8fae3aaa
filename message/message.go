// Package message defines the request and response envelopes carried
// between a pool's connections and the origin.
//
// The pool itself never looks inside a Request — it forwards the
// envelope verbatim to whichever connection accepts it. Only the
// connection's codec layer serializes these types for the wire.
package message

// Request describes one origin-relative request.
//
// Method and Path identify the operation; Header carries optional
// metadata; Body is an opaque payload already serialized by the caller.
type Request struct {
	Method string
	Path   string
	Header map[string]string
	Body   []byte
}

// Response carries the origin's answer to a single Request.
//
// Error is non-empty when the origin-side handler failed; Body is only
// meaningful when Error is empty.
type Response struct {
	Status int
	Header map[string]string
	Body   []byte
	Error  string
}
