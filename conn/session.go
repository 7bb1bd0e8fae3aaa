package conn

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"sync"
)

// sessionTicketCache is a single-slot tls.ClientSessionCache. It seeds
// the first handshake from an injected serialized ticket and reports
// every fresh ticket outward, so a pool can hand it to the next
// connection it builds for the same origin.
//
// Serialized form: u32 ticket length | ticket | session state bytes.
type sessionTicketCache struct {
	mu        sync.Mutex
	ticket    []byte
	onSession func(ticket []byte)
}

func newSessionTicketCache(injected []byte, onSession func([]byte)) *sessionTicketCache {
	return &sessionTicketCache{ticket: injected, onSession: onSession}
}

func (s *sessionTicketCache) Get(string) (*tls.ClientSessionState, bool) {
	s.mu.Lock()
	ticket := s.ticket
	s.mu.Unlock()
	if ticket == nil {
		return nil, false
	}
	cs, err := decodeSessionTicket(ticket)
	if err != nil {
		return nil, false // stale or foreign bytes: fall back to a full handshake
	}
	return cs, true
}

func (s *sessionTicketCache) Put(_ string, cs *tls.ClientSessionState) {
	if cs == nil {
		// crypto/tls invalidating the session
		s.mu.Lock()
		s.ticket = nil
		s.mu.Unlock()
		return
	}
	ticket, err := encodeSessionTicket(cs)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.ticket = ticket
	s.mu.Unlock()
	if s.onSession != nil {
		s.onSession(ticket)
	}
}

func encodeSessionTicket(cs *tls.ClientSessionState) ([]byte, error) {
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return nil, err
	}
	stateBytes, err := state.Bytes()
	if err != nil {
		return nil, err
	}
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(ticket)))
	buf = append(buf, ticket...)
	return append(buf, stateBytes...), nil
}

func decodeSessionTicket(data []byte) (*tls.ClientSessionState, error) {
	if len(data) < 4 {
		return nil, errors.New("conn: short session ticket")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+n {
		return nil, errors.New("conn: truncated session ticket")
	}
	ticket := data[4 : 4+n]
	state, err := tls.ParseSessionState(data[4+n:])
	if err != nil {
		return nil, err
	}
	return tls.NewResumptionState(ticket, state)
}
