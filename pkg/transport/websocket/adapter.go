// Package websockets carries peers over gorilla/websocket. Every frame written
// to the reliable stream becomes one binary message. WebSockets have no
// unreliable channel, so MaxDatagramSize is 0 and the session sends
// everything on the stream.
package websockets

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/QYUbit/worldsync/pkg/transport"
	"github.com/gorilla/websocket"
)

var closeCodeMap = map[transport.CloseCode]int{
	transport.CloseNormal:           websocket.CloseNormalClosure,
	transport.CloseGoingAway:        websocket.CloseGoingAway,
	transport.CloseProtocolError:    websocket.CloseProtocolError,
	transport.CloseCapacityExceeded: websocket.CloseTryAgainLater,
	transport.CloseInternalError:    websocket.CloseInternalServerErr,
}

func fromWebsocketCode(code int) transport.CloseCode {
	for c, ws := range closeCodeMap {
		if ws == code {
			return c
		}
	}
	return transport.CloseInternalError
}

// ==================================================================
// Listener
// ==================================================================

// Transport is an http.Handler that upgrades requests and queues the
// resulting peers for Accept.
type Transport struct {
	upgrader    *websocket.Upgrader
	connections chan *websocket.Conn
	done        chan struct{}
	closeOnce   sync.Once

	mu   sync.Mutex
	addr net.Addr
}

func NewTransport(upgrader *websocket.Upgrader, backlog int) *Transport {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		}
	}
	return &Transport{
		upgrader:    upgrader,
		connections: make(chan *websocket.Conn, backlog),
		done:        make(chan struct{}),
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := t.Upgrade(w, r, nil); err != nil {
		// the upgrader already wrote an error response
		return
	}
}

func (t *Transport) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) error {
	conn, err := t.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.addr == nil {
		t.addr = conn.LocalAddr()
	}
	t.mu.Unlock()

	select {
	case t.connections <- conn:
		return nil
	case <-t.done:
		_ = conn.Close()
		return transport.ErrClosed
	}
}

func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, transport.ErrClosed
	case conn := <-t.connections:
		return newPeer(conn), nil
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addr == nil {
		return &net.TCPAddr{}
	}
	return t.addr
}

// ==================================================================
// Dialer
// ==================================================================

type Dialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d Dialer) Dial(ctx context.Context) (transport.Peer, error) {
	if _, err := url.Parse(d.URL); err != nil {
		return nil, err
	}
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, _, err := wd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	return newPeer(conn), nil
}

// ==================================================================
// Peer
// ==================================================================

type Peer struct {
	conn *websocket.Conn
	cur  io.Reader
}

func newPeer(conn *websocket.Conn) *Peer {
	return &Peer{conn: conn}
}

// Read presents the sequence of binary messages as one stream.
func (p *Peer) Read(b []byte) (int, error) {
	for {
		if p.cur == nil {
			mt, r, err := p.conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, &transport.CloseError{Code: fromWebsocketCode(ce.Code), Reason: ce.Text}
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			p.cur = r
		}

		n, err := p.cur.Read(b)
		if errors.Is(err, io.EOF) {
			p.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (p *Peer) Write(b []byte) (int, error) {
	if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *Peer) MaxDatagramSize() int {
	return 0
}

func (p *Peer) SendUnreliable(b []byte) error {
	return transport.ErrUnreliableUnsupported
}

func (p *Peer) ReceiveUnreliable(ctx context.Context) ([]byte, error) {
	return nil, transport.ErrUnreliableUnsupported
}

func (p *Peer) Close(code transport.CloseCode, reason string) error {
	wsCode, ok := closeCodeMap[code]
	if !ok {
		wsCode = websocket.CloseNormalClosure
	}

	var lastErr error

	err := p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(wsCode, reason),
		time.Now().Add(time.Second),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		lastErr = err
	}

	if err := p.conn.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func (p *Peer) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}
