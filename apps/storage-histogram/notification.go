package main

import (
	"context"
	"errors"
	"iter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownNotification is returned by the loop for a variant it has no case for.
var ErrUnknownNotification = errors.New("unknown notification variant")

// NotificationSource delivers chain notifications one at a time.
// Recv returns io.EOF once the stream has ended; any other error is fatal.
type NotificationSource interface {
	Recv(ctx context.Context) (Notification, error)
}

// Notification is one state transition reported by the host node.
// The set of variants is closed: ChainCommitted, ChainReverted, ChainReorged.
type Notification interface {
	notification()
}

// ChainCommitted reports a newly accepted segment of the canonical chain.
type ChainCommitted struct {
	New *Chain
}

// ChainReverted reports a segment that was removed from the canonical chain.
type ChainReverted struct {
	Old *Chain
}

// ChainReorged reports a segment replaced by another one.
type ChainReorged struct {
	Old *Chain
	New *Chain
}

func (ChainCommitted) notification() {}
func (ChainReverted) notification()  {}
func (ChainReorged) notification()   {}

// kindOf names a notification for logs and metric labels.
func kindOf(n Notification) string {
	switch n.(type) {
	case ChainCommitted:
		return "committed"
	case ChainReverted:
		return "reverted"
	case ChainReorged:
		return "reorged"
	default:
		return "unknown"
	}
}

// Chain is a contiguous run of blocks plus the state changes they produced.
type Chain struct {
	Blocks []*types.Header
	State  *BundleState
}

// Tip returns the highest numbered block of the chain regardless of slice
// order, or nil if no block carries a number.
func (c *Chain) Tip() *types.Header {
	if c == nil {
		return nil
	}
	var tip *types.Header
	for _, h := range c.Blocks {
		if h == nil || h.Number == nil {
			continue
		}
		if tip == nil || h.Number.Cmp(tip.Number) > 0 {
			tip = h
		}
	}
	return tip
}

// StorageSlot is the before and after value of one changed slot.
type StorageSlot struct {
	Previous common.Hash
	Present  common.Hash
}

// BundleAccount is the state diff of a single account within a chain segment.
type BundleAccount struct {
	Storage map[common.Hash]StorageSlot
}

// ChangedSlots is the number of storage slots written for the account.
func (a *BundleAccount) ChangedSlots() int {
	if a == nil {
		return 0
	}
	return len(a.Storage)
}

type bundleEntry struct {
	address common.Address
	account *BundleAccount
}

// BundleState is the ordered list of accounts touched by a chain segment.
// An address may be listed more than once.
type BundleState struct {
	entries []bundleEntry
}

// NewBundleState returns an empty bundle.
func NewBundleState() *BundleState {
	return &BundleState{}
}

// Add appends an account diff to the bundle.
func (b *BundleState) Add(addr common.Address, acct *BundleAccount) {
	b.entries = append(b.entries, bundleEntry{address: addr, account: acct})
}

// Len returns the number of entries, duplicates included.
func (b *BundleState) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Accounts yields the bundle's accounts in insertion order.
func (b *BundleState) Accounts() iter.Seq2[common.Address, *BundleAccount] {
	return func(yield func(common.Address, *BundleAccount) bool) {
		if b == nil {
			return
		}
		for _, e := range b.entries {
			if !yield(e.address, e.account) {
				return
			}
		}
	}
}
