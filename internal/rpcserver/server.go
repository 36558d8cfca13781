// Package rpcserver implements spec.md §4.J/§6: the downstream JSON-RPC 2.0
// over WebSocket API, the RequestHandler lifecycle of on-demand generated
// snapshots, and the subscribeOrderFilled/unsubscribeOrderFilled live feed.
// Grounded on the pack's juno rpc-v8-subscriptions.go and eth2030
// pkg/rpc/subscriptions.go for request/response id correlation and method
// dispatch tables, composed with the teacher's Register/ListenerOpts
// subscription-registration shape from broadcaster.go.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/ierrors"
	"github.com/synfutures/oyster-indexer/internal/logger"
	"github.com/synfutures/oyster-indexer/internal/snapshot"
	"github.com/synfutures/oyster-indexer/internal/store"
)

// DefaultAddr is the default bind address from spec.md §6.
const DefaultAddr = "0.0.0.0:43210"

// DefaultRequestTimeout is the per-request API handler timeout from
// spec.md §5.
const DefaultRequestTimeout = 3 * time.Second

// Live is the RequestHandler's view of the live SnapshotDriver.
type Live interface {
	GetLatestSnapshot() (snapshot.State, chainmodel.Position, error)
	GetSnapshot(ctx context.Context, to chainmodel.Position, from *snapshot.ReplayBase, progress func(chainmodel.Position)) (snapshot.State, chainmodel.Position, error)
}

// generating/generated entries track RequestHandler's on-demand
// materialization lifecycle, per spec.md §4.J.
type generatingEntry struct {
	cancel context.CancelFunc
	block  uint64
}

type generatedEntry struct {
	state snapshot.State
	pos   chainmodel.Position
}

// Server is the RequestHandler + JSON-RPC-over-WebSocket API from spec.md
// §4.J/§6.
type Server struct {
	chainID  int64
	addr     string
	live     Live
	snapshots *store.SnapshotStore
	log      logger.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu         sync.Mutex
	generating map[string]*generatingEntry
	generated  map[string]*generatedEntry

	subsMu sync.Mutex
	orderFilledSubs map[*conn]map[string]struct{} // conn -> set of addresses (lowercase hex)
}

// New constructs a Server bound to addr (DefaultAddr if empty).
func New(chainID int64, addr string, live Live, snapshots *store.SnapshotStore) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		chainID:         chainID,
		addr:            addr,
		live:            live,
		snapshots:       snapshots,
		log:             logger.With("rpcserver"),
		upgrader:        websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		generating:      make(map[string]*generatingEntry),
		generated:       make(map[string]*generatedEntry),
		orderFilledSubs: make(map[*conn]map[string]struct{}),
	}
}

// ListenAndServe starts the WebSocket listener until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // guards writes
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("rpcserver: upgrade failed", "err", err)
		return
	}
	c := &conn{ws: ws}
	defer s.closeConn(c)

	for {
		var req rpcRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		go s.dispatch(c, req)
	}
}

func (s *Server) closeConn(c *conn) {
	s.subsMu.Lock()
	delete(s.orderFilledSubs, c)
	s.subsMu.Unlock()
	_ = c.ws.Close()
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcErrBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcErrBody `json:"error,omitempty"`
}

func (s *Server) dispatch(c *conn, req rpcRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()

	result, err := s.call(ctx, c, req.Method, req.Params)
	if err != nil {
		_ = c.writeJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcErrBody{
			Code:    ierrors.RPCCode(err),
			Message: err.Error(),
		}})
		return
	}
	_ = c.writeJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) call(ctx context.Context, c *conn, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "generateSnapshot":
		return s.generateSnapshot(ctx, params)
	case "clearSnapshot":
		return s.clearSnapshot(params)
	case "listSnapshots":
		return s.listSnapshots(ctx)
	case "queryAccount":
		return s.queryAccount(ctx, params)
	case "queryAMM":
		return s.queryAMM(ctx, params)
	case "subscribeOrderFilled":
		return s.subscribeOrderFilled(c, params)
	case "unsubscribeOrderFilled":
		return s.unsubscribeOrderFilled(c, params)
	default:
		return nil, errors.Wrap(ierrors.ErrNotFound, "rpcserver: unknown method "+method)
	}
}

// NotifyOrderFilled pushes an eth_subscription-style notification to every
// connection subscribed to addr, per spec.md §6.
func (s *Server) NotifyOrderFilled(addr string, payload interface{}) {
	s.subsMu.Lock()
	targets := make([]*conn, 0)
	for c, addrs := range s.orderFilledSubs {
		if _, ok := addrs[addr]; ok {
			targets = append(targets, c)
		}
	}
	s.subsMu.Unlock()

	for _, c := range targets {
		_ = c.writeJSON(rpcResponse{JSONRPC: "2.0", Result: map[string]interface{}{
			"method": "orderFilled",
			"params": map[string]interface{}{
				"subscription": genID(),
				"result":       payload,
			},
		}})
	}
}

func genID() string {
	return uuid.NewString()
}
