package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type ChangeKind int

const (
	AccountsChanged ChangeKind = iota + 1
	ChainChanged
)

func (k ChangeKind) String() string {
	switch k {
	case AccountsChanged:
		return "accountsChanged"
	case ChainChanged:
		return "chainChanged"
	default:
		return "unknown"
	}
}

// Snapshot is what a session was bound against.
type Snapshot struct {
	NetworkID uint64
	ChainID   uint64
	Account   common.Address
}

// Snapshot reads the network id, chain id and the wallet's account. The
// account is resolved through Account, so it is the one operations use.
func (w *Wallet) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	networkID, err := w.NetworkID(ctx)
	if err != nil {
		return s, err
	}
	chainID, err := w.ChainID(ctx)
	if err != nil {
		return s, err
	}
	s.NetworkID = networkID
	s.ChainID = chainID.Uint64()

	addr, err := w.Account(ctx)
	if err != nil && !errors.Is(err, ErrNoAccount) {
		return s, err
	}
	s.Account = addr
	return s, nil
}

// Watch polls the provider until the network or the active account differs
// from base, then calls onChange once and returns nil. A nil base is taken
// from the first successful poll. It returns ctx.Err() if the context ends first.
func (w *Wallet) Watch(ctx context.Context, interval time.Duration, base *Snapshot, onChange func(ChangeKind)) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := w.poll(ctx)
		switch {
		case err != nil:
			w.logger.Debug("wallet snapshot failed", zap.Error(err))
		case base == nil:
			base = &snap
		default:
			if kind, changed := diff(*base, snap); changed {
				w.logger.Info("wallet changed", zap.Stringer("event", kind))
				onChange(kind)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll reads the live account rather than the cached one.
func (w *Wallet) poll(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	networkID, err := w.NetworkID(ctx)
	if err != nil {
		return s, err
	}
	chainID, err := w.ChainID(ctx)
	if err != nil {
		return s, err
	}
	s.NetworkID = networkID
	s.ChainID = chainID.Uint64()

	addr, err := w.currentAccount(ctx)
	if err != nil && !errors.Is(err, ErrNoAccount) {
		return s, err
	}
	s.Account = addr
	return s, nil
}

func diff(base, cur Snapshot) (ChangeKind, bool) {
	if base.NetworkID != cur.NetworkID || base.ChainID != cur.ChainID {
		return ChainChanged, true
	}
	if base.Account != cur.Account {
		return AccountsChanged, true
	}
	return 0, false
}
