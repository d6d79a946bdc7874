package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// prestateDiff is the diff-mode output of the prestateTracer for one transaction.
type prestateDiff struct {
	Pre  map[common.Address]*tracedAccount `json:"pre"`
	Post map[common.Address]*tracedAccount `json:"post"`
}

type tracedAccount struct {
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

type txTrace struct {
	TxHash common.Hash  `json:"txHash"`
	Result prestateDiff `json:"result"`
}

// maxHeadGap bounds how many skipped blocks are fetched behind a new head.
const maxHeadGap = 256

// blockTracer returns the per-transaction state diffs of a block.
type blockTracer func(ctx context.Context, hash common.Hash) ([]txTrace, error)

// headerFetcher looks up a header by hash.
type headerFetcher func(ctx context.Context, hash common.Hash) (*types.Header, error)

// rpcSource turns new heads of a JSON-RPC node into commit notifications.
// Blocks skipped by the head feed are fetched and committed together with the
// head. A head that does not descend from the previous one is reported as a
// reorg before its commit.
type rpcSource struct {
	heads  <-chan *types.Header
	errs   <-chan error
	trace  blockTracer
	header headerFetcher
	stop   func()

	last    *Chain
	pending []Notification
}

// dialRPCSource subscribes to new heads on a websocket/IPC endpoint. The node must
// expose the debug namespace.
func dialRPCSource(ctx context.Context, url string) (*rpcSource, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	heads := make(chan *types.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	trace := func(ctx context.Context, hash common.Hash) ([]txTrace, error) {
		var res []txTrace
		err := client.Client().CallContext(ctx, &res, "debug_traceBlockByHash", hash, map[string]any{
			"tracer":       "prestateTracer",
			"tracerConfig": map[string]any{"diffMode": true},
		})
		return res, err
	}
	return &rpcSource{
		heads:  heads,
		errs:   sub.Err(),
		trace:  trace,
		header: client.HeaderByHash,
		stop: func() {
			sub.Unsubscribe()
			client.Close()
		},
	}, nil
}

func (s *rpcSource) Recv(ctx context.Context) (Notification, error) {
	if len(s.pending) > 0 {
		n := s.pending[0]
		s.pending = s.pending[1:]
		return n, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.errs:
		if err == nil {
			err = errors.New("closed")
		}
		return nil, fmt.Errorf("head subscription: %w", err)
	case head := <-s.heads:
		blocks, extends, err := s.segment(ctx, head)
		if err != nil {
			return nil, err
		}
		var traces []txTrace
		for _, h := range blocks {
			txs, err := s.trace(ctx, h.Hash())
			if err != nil {
				return nil, fmt.Errorf("trace block %d: %w", h.Number.Uint64(), err)
			}
			traces = append(traces, txs...)
		}
		chain := &Chain{Blocks: blocks, State: foldPrestateDiffs(traces)}
		var out []Notification
		if !extends {
			out = append(out, ChainReorged{Old: s.last, New: chain})
		}
		s.last = chain
		out = append(out, ChainCommitted{New: chain})
		s.pending = out[1:]
		return out[0], nil
	}
}

// segment returns the blocks between the last reported tip and head, ascending
// and ending with head, walking parent hashes back over skipped heads. extends
// is false when the walk passes the last tip's height without meeting it.
func (s *rpcSource) segment(ctx context.Context, head *types.Header) ([]*types.Header, bool, error) {
	blocks := []*types.Header{head}
	if s.last == nil {
		return blocks, true, nil
	}
	tip := s.last.Tip()
	extends := true
	for cur := head; cur.ParentHash != tip.Hash(); {
		if cur.Number.Uint64() <= tip.Number.Uint64()+1 || len(blocks) >= maxHeadGap {
			extends = false
			break
		}
		parent, err := s.header(ctx, cur.ParentHash)
		if err != nil {
			return nil, false, fmt.Errorf("header %s: %w", cur.ParentHash, err)
		}
		blocks = append(blocks, parent)
		cur = parent
	}
	slices.Reverse(blocks)
	return blocks, extends, nil
}

func (s *rpcSource) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// foldPrestateDiffs merges per-transaction diffs into a bundle with one entry
// per account, ordered by address. A slot keeps its first pre value and its
// last post value; a slot missing from post was cleared.
func foldPrestateDiffs(traces []txTrace) *BundleState {
	accounts := make(map[common.Address]*BundleAccount)
	get := func(addr common.Address) *BundleAccount {
		acct, ok := accounts[addr]
		if !ok {
			acct = &BundleAccount{Storage: make(map[common.Hash]StorageSlot)}
			accounts[addr] = acct
		}
		return acct
	}
	for _, tx := range traces {
		for addr, pre := range tx.Result.Pre {
			acct := get(addr)
			if pre == nil {
				continue
			}
			for key, prev := range pre.Storage {
				slot, seen := acct.Storage[key]
				if !seen {
					slot.Previous = prev
				}
				var present common.Hash
				if post := tx.Result.Post[addr]; post != nil {
					present = post.Storage[key]
				}
				slot.Present = present
				acct.Storage[key] = slot
			}
		}
		for addr, post := range tx.Result.Post {
			acct := get(addr)
			if post == nil {
				continue
			}
			for key, val := range post.Storage {
				slot := acct.Storage[key]
				slot.Present = val
				acct.Storage[key] = slot
			}
		}
	}
	addrs := make([]common.Address, 0, len(accounts))
	for addr := range accounts {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, func(a, b common.Address) int { return a.Cmp(b) })

	bundle := NewBundleState()
	for _, addr := range addrs {
		bundle.Add(addr, accounts[addr])
	}
	return bundle
}
