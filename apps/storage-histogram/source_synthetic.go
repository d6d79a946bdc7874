package main

import (
	"context"
	"io"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	syntheticAccounts   = 16 // size of the address pool blocks draw from
	syntheticMaxTouched = 6
	syntheticMaxSlots   = 8
	syntheticRevertRate = 10 // one in N notifications reverts the previous block
)

// syntheticSource generates fake committed chains for demo/testing. No external RPC calls.
type syntheticSource struct {
	rng      *rand.Rand
	interval time.Duration
	limit    uint64 // committed blocks to emit; 0 means unbounded

	accounts  []common.Address
	nextBlock uint64
	committed uint64
	last      *Chain
	ticker    *time.Ticker
}

func newSyntheticSource(seed uint64, interval time.Duration, limit uint64) *syntheticSource {
	rng := rand.New(rand.NewPCG(seed, seed^0x5eed))
	accounts := make([]common.Address, syntheticAccounts)
	for i := range accounts {
		var a common.Address
		for j := range a {
			a[j] = byte(rng.UintN(256))
		}
		accounts[i] = a
	}
	return &syntheticSource{rng: rng, interval: interval, limit: limit, accounts: accounts, nextBlock: 1}
}

func (s *syntheticSource) Recv(ctx context.Context) (Notification, error) {
	if s.limit > 0 && s.committed >= s.limit {
		return nil, io.EOF
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.last != nil && s.rng.IntN(syntheticRevertRate) == 0 {
		old := s.last
		s.last = nil
		s.nextBlock = old.Tip().Number.Uint64()
		return ChainReverted{Old: old}, nil
	}
	chain := s.nextChain()
	s.last = chain
	s.committed++
	return ChainCommitted{New: chain}, nil
}

func (s *syntheticSource) wait(ctx context.Context) error {
	if s.interval <= 0 {
		return ctx.Err()
	}
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.interval)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ticker.C:
		return nil
	}
}

func (s *syntheticSource) nextChain() *Chain {
	header := &types.Header{
		Number: new(big.Int).SetUint64(s.nextBlock),
		Time:   uint64(time.Now().Unix()),
	}
	if s.last != nil {
		header.ParentHash = s.last.Tip().Hash()
	}
	s.nextBlock++

	bundle := NewBundleState()
	touched := s.rng.IntN(syntheticMaxTouched + 1)
	for i := 0; i < touched; i++ {
		acct := &BundleAccount{Storage: make(map[common.Hash]StorageSlot)}
		slots := s.rng.IntN(syntheticMaxSlots + 1)
		for j := 0; j < slots; j++ {
			key := common.BigToHash(big.NewInt(int64(s.rng.IntN(64))))
			acct.Storage[key] = StorageSlot{Present: common.BigToHash(big.NewInt(s.rng.Int64()))}
		}
		bundle.Add(s.accounts[s.rng.IntN(len(s.accounts))], acct)
	}
	return &Chain{Blocks: []*types.Header{header}, State: bundle}
}

// Close stops the pacing ticker.
func (s *syntheticSource) Close() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
}
