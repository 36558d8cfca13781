// Package logsubscriber implements spec.md §4.C: a long-lived
// JSON-RPC-over-WebSocket session with keep-alive, reconnect/resubscribe,
// id-correlated request/response, and outbound queueing while disconnected.
// Grounded on the teacher's ethSubscriber/managedSubscription resubscribe
// loop in broadcaster.go (connection-state abool.AtomicBool, resubscribe on
// every reconnect) and the pack's ws_poc connection.go / juno
// rpc-v8-subscriptions.go for the id-correlated request/response shape.
package logsubscriber

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tevino/abool"

	"github.com/synfutures/oyster-indexer/internal/chain"
	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/logger"
)

const (
	// DefaultKeepAliveInterval is the ping interval from spec.md §4.C.
	DefaultKeepAliveInterval = 3 * time.Second
	// DefaultKeepAliveTimeout is the pong-wait timeout from spec.md §4.C.
	DefaultKeepAliveTimeout = 1 * time.Second
	// DefaultReconnectDelay is the pause between reconnect attempts.
	DefaultReconnectDelay = 1 * time.Second
	// DefaultRequestTimeout is the per-request JSON-RPC timeout.
	DefaultRequestTimeout = 3 * time.Second
)

// ErrLossOfConnection is returned to in-flight requests when the connection
// is declared lost, per spec.md §4.C.
var ErrLossOfConnection = errors.New("loss connection")

// rpcRequest/rpcResponse/rpcNotification model the JSON-RPC 2.0 envelope
// used both upstream (eth_subscribe) and for request/response correlation.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type pendingRequest struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Subscriber is the LogSubscriber component from spec.md §4.C.
type Subscriber struct {
	url     string
	chainID int64
	log     logger.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	reconnectDelay    time.Duration
	requestTimeout    time.Duration

	connected *abool.AtomicBool
	nextID    uint64

	mu           sync.Mutex
	conn         *websocket.Conn
	subs         []chain.FilterSpec
	subIDs       map[string]chain.FilterSpec // subscription id -> spec
	newHeadsID   string
	pending      map[uint64]*pendingRequest
	outboundBuf  [][]byte // buffered while disconnected, flushed in order
	chStop       chan struct{}
	stopped      bool
	pongCh       chan struct{} // signaled by the pong handler, drained by pingAndWait

	// Hooks, injected by the caller (Ingestor), invoked from the read loop.
	OnLog      func(chainmodel.Log)
	OnRemoved  func(chainmodel.Log)
	OnNewHead  func(blockNumber uint64)
	OnLoss     func()
	OnConnect  func()
}

// New constructs a Subscriber for the given WebSocket URL and chain id.
func New(url string, chainID int64) *Subscriber {
	return &Subscriber{
		url:               url,
		chainID:           chainID,
		log:               logger.With("logsubscriber"),
		keepAliveInterval: DefaultKeepAliveInterval,
		keepAliveTimeout:  DefaultKeepAliveTimeout,
		reconnectDelay:    DefaultReconnectDelay,
		requestTimeout:    DefaultRequestTimeout,
		connected:         abool.New(),
		subIDs:            make(map[string]chain.FilterSpec),
		pending:           make(map[uint64]*pendingRequest),
		chStop:            make(chan struct{}),
	}
}

// AddSubscription registers a new (address, topics) filter; it will be
// (re)subscribed on the next connect/reconnect. Append-only.
func (s *Subscriber) AddSubscription(spec chain.FilterSpec) {
	s.mu.Lock()
	s.subs = append(s.subs, spec)
	s.mu.Unlock()
}

// IsConnected reports whether the session currently holds a live connection.
func (s *Subscriber) IsConnected() bool {
	return s.connected.IsSet()
}

// Run drives the connect/keep-alive/reconnect loop until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.closeConn()
			return ctx.Err()
		default:
		}

		if err := s.connectAndServe(ctx); err != nil {
			s.log.Warnw("logsubscriber: connection lost, will reconnect", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Subscriber) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return errors.Wrap(err, "logsubscriber: dial")
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.pongCh = make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	readErrCh := make(chan error, 1)
	go s.readLoop(conn, readErrCh)

	if err := s.resubscribeAll(ctx); err != nil {
		s.closeConn()
		return err
	}

	s.connected.Set()
	if s.OnConnect != nil {
		s.OnConnect()
	}
	s.flushOutbound()

	pingTicker := time.NewTicker(s.keepAliveInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.declareLoss()
			return ctx.Err()

		case err := <-readErrCh:
			s.declareLoss()
			return err

		case <-pingTicker.C:
			if err := s.pingAndWait(conn); err != nil {
				s.declareLoss()
				return err
			}
		}
	}
}

// pingAndWait writes a PING control frame and blocks up to keepAliveTimeout
// for the matching PONG, via the channel SetPongHandler feeds. A connection
// whose socket is black-holed (firewall drop, frozen peer) produces no
// transport error the read loop would catch, so this is the only signal
// that detects it.
func (s *Subscriber) pingAndWait(conn *websocket.Conn) error {
	deadline := time.Now().Add(s.keepAliveTimeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return errors.Wrap(err, "logsubscriber: ping failed")
	}
	select {
	case <-s.pongCh:
		return nil
	case <-time.After(s.keepAliveTimeout):
		return errors.New("logsubscriber: pong timed out")
	}
}

func (s *Subscriber) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		s.handleMessage(data)
	}
}

func (s *Subscriber) handleMessage(data []byte) {
	var probe struct {
		ID     *uint64 `json:"id"`
		Method string  `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.log.Warnw("logsubscriber: malformed message", "err", err)
		return
	}

	if probe.ID != nil {
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		s.resolveRequest(resp)
		return
	}

	if probe.Method == "eth_subscription" {
		var note rpcNotification
		if err := json.Unmarshal(data, &note); err != nil {
			return
		}
		s.handleNotification(note)
	}
}

func (s *Subscriber) resolveRequest(resp rpcResponse) {
	s.mu.Lock()
	p, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if resp.Error != nil {
		p.errCh <- errors.Errorf("logsubscriber: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		return
	}
	p.resultCh <- resp.Result
}

func (s *Subscriber) handleNotification(note rpcNotification) {
	s.mu.Lock()
	spec, known := s.subIDs[note.Params.Subscription]
	isNewHeads := note.Params.Subscription == s.newHeadsID
	s.mu.Unlock()

	if isNewHeads {
		var head struct {
			Number string `json:"number"`
		}
		if err := json.Unmarshal(note.Params.Result, &head); err != nil {
			return
		}
		n, err := parseHexU64(head.Number)
		if err != nil {
			return
		}
		if s.OnNewHead != nil {
			s.OnNewHead(n)
		}
		return
	}

	if !known {
		// Unknown subscription id: dropped silently per spec.md §4.C.
		return
	}
	_ = spec

	var raw rawLog
	if err := json.Unmarshal(note.Params.Result, &raw); err != nil {
		s.log.Warnw("logsubscriber: malformed log notification", "err", err)
		return
	}
	l, err := raw.toLog(s.chainID)
	if err != nil {
		s.log.Warnw("logsubscriber: failed to decode log", "err", err)
		return
	}

	if l.Removed {
		if s.OnRemoved != nil {
			s.OnRemoved(l)
		}
		return
	}
	if s.OnLog != nil {
		s.OnLog(l)
	}
}

func (s *Subscriber) resubscribeAll(ctx context.Context) error {
	s.mu.Lock()
	subs := append([]chain.FilterSpec(nil), s.subs...)
	s.mu.Unlock()

	newIDs := make(map[string]chain.FilterSpec, len(subs))
	for _, spec := range subs {
		id, err := s.request(ctx, "eth_subscribe", subscribeLogsParams(spec))
		if err != nil {
			return err
		}
		var subID string
		if err := json.Unmarshal(id, &subID); err != nil {
			return err
		}
		newIDs[subID] = spec
	}

	headID, err := s.request(ctx, "eth_subscribe", json.RawMessage(`["newHeads"]`))
	if err != nil {
		return err
	}
	var headSubID string
	if err := json.Unmarshal(headID, &headSubID); err != nil {
		return err
	}

	s.mu.Lock()
	s.subIDs = newIDs
	s.newHeadsID = headSubID
	s.mu.Unlock()

	return nil
}

// request sends a JSON-RPC request and waits up to s.requestTimeout for the
// matching response, per spec.md §4.C's independent-timeout rule.
func (s *Subscriber) request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := atomic.AddUint64(&s.nextID, 1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}
	s.mu.Lock()
	s.pending[id] = p
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil, errors.New("logsubscriber: not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-p.resultCh:
		return res, nil
	case err := <-p.errCh:
		return nil, err
	case <-time.After(s.requestTimeout):
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, errors.New("logsubscriber: request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send enqueues an arbitrary outbound message; while disconnected it is
// buffered and flushed in order on reconnect, per spec.md §4.C.
func (s *Subscriber) Send(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.outboundBuf = append(s.outboundBuf, body)
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		s.outboundBuf = append(s.outboundBuf, body)
	}
}

func (s *Subscriber) flushOutbound() {
	s.mu.Lock()
	buf := s.outboundBuf
	s.outboundBuf = nil
	conn := s.conn
	s.mu.Unlock()

	for _, body := range buf {
		if conn == nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, body)
	}
}

func (s *Subscriber) declareLoss() {
	if !s.connected.IsSet() {
		return
	}
	s.connected.UnSet()

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]*pendingRequest)
	s.mu.Unlock()

	for _, p := range pending {
		p.errCh <- ErrLossOfConnection
	}

	if s.OnLoss != nil {
		s.OnLoss()
	}
	s.closeConn()
}

func (s *Subscriber) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func subscribeLogsParams(spec chain.FilterSpec) json.RawMessage {
	type filter struct {
		Address string     `json:"address"`
		Topics  [][]string `json:"topics,omitempty"`
	}
	f := filter{Address: spec.Address.Hex()}
	for _, tg := range spec.Topics {
		row := make([]string, len(tg))
		for i, t := range tg {
			row[i] = t.Hex()
		}
		f.Topics = append(f.Topics, row)
	}
	body, _ := json.Marshal([]interface{}{"logs", f})
	return body
}
