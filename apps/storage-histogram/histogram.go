package main

import (
	"errors"
	"iter"

	"github.com/ethereum/go-ethereum/common"
)

// ErrMissingBlock means a committed chain carried no blocks.
var ErrMissingBlock = errors.New("committed chain has no blocks")

// Histogram maps an account to the number of storage slots it changed in one block.
type Histogram map[common.Address]int

// extractStateDiff returns the tip block number of a committed chain together
// with the accounts its state bundle touched. The sequence can be ranged once.
func extractStateDiff(chain *Chain) (uint64, iter.Seq2[common.Address, *BundleAccount], error) {
	tip := chain.Tip()
	if tip == nil {
		return 0, nil, ErrMissingBlock
	}
	return tip.Number.Uint64(), chain.State.Accounts(), nil
}

// buildHistogram counts changed slots per account. If an account is yielded
// more than once the first count is kept and later ones are dropped.
func buildHistogram(accounts iter.Seq2[common.Address, *BundleAccount]) Histogram {
	h := make(Histogram)
	for addr, acct := range accounts {
		if _, ok := h[addr]; ok {
			continue
		}
		h[addr] = acct.ChangedSlots()
	}
	return h
}
