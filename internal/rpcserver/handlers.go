package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/synfutures/oyster-indexer/internal/chainmodel"
	"github.com/synfutures/oyster-indexer/internal/ierrors"
)

type genParams struct {
	BlockNumber      uint64  `json:"blockNumber"`
	TransactionIndex *uint64 `json:"transactionIndex"`
	LogIndex         *uint64 `json:"logIndex"`
}

// snapID renders "{chainId}-{blockNumber}[-{tx}-{log}]" per spec.md §6.
func snapID(chainID int64, pos chainmodel.Position, triple bool) string {
	if triple {
		return fmt.Sprintf("%d-%d-%d-%d", chainID, pos.BlockNumber, pos.TransactionIndex, pos.LogIndex)
	}
	return fmt.Sprintf("%d-%d", chainID, pos.BlockNumber)
}

// generateSnapshot implements spec.md §4.J/§6.
func (s *Server) generateSnapshot(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p genParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(ierrors.ErrInvalidParams, "rpcserver: generateSnapshot: "+err.Error())
	}
	if (p.TransactionIndex == nil) != (p.LogIndex == nil) {
		return nil, errors.Wrap(ierrors.ErrInvalidParams, "rpcserver: transactionIndex/logIndex must both be present or both absent")
	}

	triple := p.TransactionIndex != nil
	pos := chainmodel.Position{BlockNumber: p.BlockNumber}
	if triple {
		pos.TransactionIndex = *p.TransactionIndex
		pos.LogIndex = *p.LogIndex
	} else {
		pos = chainmodel.UpperBoundOfBlock(p.BlockNumber)
	}
	id := snapID(s.chainID, chainmodel.Position{BlockNumber: p.BlockNumber, TransactionIndex: derefOr(p.TransactionIndex), LogIndex: derefOr(p.LogIndex)}, triple)

	s.mu.Lock()
	if _, ok := s.generating[id]; ok {
		s.mu.Unlock()
		return nil, ierrors.ErrGenerating
	}
	if _, ok := s.generated[id]; ok {
		s.mu.Unlock()
		return id, nil
	}
	genCtx, cancel := context.WithCancel(ctx)
	s.generating[id] = &generatingEntry{cancel: cancel, block: p.BlockNumber}
	s.mu.Unlock()

	state, landed, err := s.live.GetSnapshot(genCtx, pos, nil, nil)

	s.mu.Lock()
	delete(s.generating, id)
	if err == nil {
		entry := &generatedEntry{state: state, pos: landed}
		s.generated[id] = entry
		if landed != pos {
			s.generated[snapID(s.chainID, landed, true)] = entry
		}
	}
	s.mu.Unlock()

	if err != nil {
		return nil, errors.Wrap(err, "rpcserver: generateSnapshot")
	}
	return id, nil
}

func derefOr(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

// clearSnapshot implements spec.md §6.
func (s *Server) clearSnapshot(raw json.RawMessage) (interface{}, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, errors.Wrap(ierrors.ErrInvalidParams, "rpcserver: clearSnapshot: "+err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generated[id]; ok {
		delete(s.generated, id)
		return true, nil
	}
	return false, nil
}

// listSnapshots implements spec.md §6: merges persisted SnapshotStore rows
// with in-memory generated snapshots.
func (s *Server) listSnapshots(ctx context.Context) (interface{}, error) {
	out := make(map[string]interface{})

	persisted, err := s.snapshots.List(ctx, s.chainID)
	if err != nil {
		return nil, errors.Wrap(err, "rpcserver: listSnapshots")
	}
	for _, pos := range persisted {
		out[snapID(s.chainID, pos, true)] = positionView(s.chainID, pos, true)
	}

	s.mu.Lock()
	for id, entry := range s.generated {
		out[id] = positionView(s.chainID, entry.pos, true)
	}
	s.mu.Unlock()

	return out, nil
}

func positionView(chainID int64, pos chainmodel.Position, triple bool) map[string]interface{} {
	v := map[string]interface{}{"chainId": chainID, "blockNumber": pos.BlockNumber}
	if triple {
		v["transactionIndex"] = pos.TransactionIndex
		v["logIndex"] = pos.LogIndex
	}
	return v
}

type accountParams struct {
	ID         *string `json:"id"`
	Address    string  `json:"address"`
	Instrument string  `json:"instrument"`
	Expiry     uint64  `json:"expiry"`
}

// resolveState returns the snapshot.State to query: the live snapshot when
// id is absent, or the member of generated[id], per spec.md §4.J.
func (s *Server) resolveState(id *string) (interface{}, error) {
	if id == nil {
		state, _, err := s.live.GetLatestSnapshot()
		if err != nil {
			return nil, err
		}
		return state, nil
	}
	s.mu.Lock()
	if _, generating := s.generating[*id]; generating {
		s.mu.Unlock()
		return nil, ierrors.ErrGenerating
	}
	entry, ok := s.generated[*id]
	s.mu.Unlock()
	if !ok {
		return nil, ierrors.ErrNotFound
	}
	return entry.state, nil
}

// Queryable is the structural read API from spec.md §6:
// snapshot.instruments.get(addr).{accounts,pairStates}... Out of scope per
// spec.md §1's opaque state.apply() contract; a concrete application-state
// engine implements it.
type Queryable interface {
	QueryAccount(address, instrument common.Address, expiry uint64) (map[string]interface{}, error)
	QueryAMM(instrument common.Address, expiry uint64) (map[string]interface{}, error)
}

func (s *Server) queryAccount(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p accountParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(ierrors.ErrInvalidParams, "rpcserver: queryAccount: "+err.Error())
	}
	state, err := s.resolveState(p.ID)
	if err != nil {
		return nil, err
	}
	q, ok := state.(Queryable)
	if !ok {
		return nil, errors.Wrap(ierrors.ErrUnavailable, "rpcserver: application state does not support queries")
	}
	return q.QueryAccount(common.HexToAddress(p.Address), common.HexToAddress(p.Instrument), p.Expiry)
}

type ammParams struct {
	ID         *string `json:"id"`
	Instrument string  `json:"instrument"`
	Expiry     uint64  `json:"expiry"`
}

func (s *Server) queryAMM(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ammParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(ierrors.ErrInvalidParams, "rpcserver: queryAMM: "+err.Error())
	}
	state, err := s.resolveState(p.ID)
	if err != nil {
		return nil, err
	}
	q, ok := state.(Queryable)
	if !ok {
		return nil, errors.Wrap(ierrors.ErrUnavailable, "rpcserver: application state does not support queries")
	}
	return q.QueryAMM(common.HexToAddress(p.Instrument), p.Expiry)
}

type addrParams struct {
	Address string `json:"address"`
}

func (s *Server) subscribeOrderFilled(c *conn, raw json.RawMessage) (interface{}, error) {
	var p addrParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(ierrors.ErrInvalidParams, "rpcserver: subscribeOrderFilled: "+err.Error())
	}
	addr := strings.ToLower(p.Address)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	set, ok := s.orderFilledSubs[c]
	if !ok {
		set = make(map[string]struct{})
		s.orderFilledSubs[c] = set
	}
	set[addr] = struct{}{}
	return true, nil
}

// OnReorg implements spec.md §4.J's reorged(reorgBlock) handler: aborts every
// in-flight generation at or above reorgBlock and evicts every generated
// snapshot at or above it.
func (s *Server) OnReorg(reorgBlock uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, g := range s.generating {
		if g.block >= reorgBlock {
			g.cancel()
			delete(s.generating, id)
		}
	}
	for id, entry := range s.generated {
		if entry.pos.BlockNumber >= reorgBlock {
			delete(s.generated, id)
		}
	}
}

func (s *Server) unsubscribeOrderFilled(c *conn, raw json.RawMessage) (interface{}, error) {
	var p addrParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(ierrors.ErrInvalidParams, "rpcserver: unsubscribeOrderFilled: "+err.Error())
	}
	addr := strings.ToLower(p.Address)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if set, ok := s.orderFilledSubs[c]; ok {
		delete(set, addr)
	}
	return true, nil
}
