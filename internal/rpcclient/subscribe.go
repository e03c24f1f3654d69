package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pongWait is how long a quiet subscription is tolerated before the
// connection is considered dead.
const pongWait = 60 * time.Second

// notification is a server push: {"method": "...", "params": {"subscription": id, "result": ...}}.
type notification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Subscription is a live server push stream over a websocket. The owner
// must call Close; C is closed once the stream ends, after which Err
// reports why.
type Subscription struct {
	C <-chan json.RawMessage

	conn *websocket.Conn
	id   string

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe dials url and issues a subscribe call with the given params.
// The server answers with a subscription id and then pushes notifications
// carrying that id.
func Subscribe(ctx context.Context, url, method string, params any) (*Subscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "websocket dial", Err: err}
	}

	if err := conn.WriteJSON(request{JSONRPC: "2.0", Method: method, Params: params, ID: 1}); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "websocket write", Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "websocket read", Err: err}
	}
	if resp.Error != nil {
		conn.Close()
		return nil, resp.Error
	}
	var id string
	if err := json.Unmarshal(resp.Result, &id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode subscription id: %w", err)
	}

	ch := make(chan json.RawMessage, 64)
	s := &Subscription{C: ch, conn: conn, id: id, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.read(ch)
	go s.ping()
	return s, nil
}

// ID returns the server-assigned subscription id.
func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) read(ch chan<- json.RawMessage) {
	defer close(ch)
	for {
		var n notification
		if err := s.conn.ReadJSON(&n); err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(&TransportError{Op: "websocket read", Err: err})
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if n.Params.Subscription != s.id {
			continue
		}
		select {
		case ch <- n.Params.Result:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) ping() {
	t := time.NewTicker(pongWait / 2)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the error that ended the stream, or nil after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
