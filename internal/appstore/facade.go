package appstore

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const (
	opSell       = "sell"
	opBuy        = "buy"
	opVerify     = "verify"
	opTotalCount = "totalCount"
	opTokenURI   = "tokenURI"
	opTokenURIs  = "tokenURIs"
	opAppInfo    = "getAppInfo"
	opBySeller   = "getTokenIdsBySeller"
	opByBuyer    = "getTokenIdsByBuyer"
	opAccount    = "account"
)

// Submission describes a state-changing call the node accepted.
type Submission struct {
	TxHash      string `json:"txHash"`
	From        string `json:"from"`
	Nonce       uint64 `json:"nonce"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

const (
	StatusSubmitted = "submitted"
	StatusMined     = "mined"
	StatusReverted  = "reverted"
)

// SessionInfo summarizes what a Facade is bound to.
type SessionInfo struct {
	Bound     bool   `json:"bound"`
	Account   string `json:"account,omitempty"`
	NetworkID uint64 `json:"networkId,omitempty"`
	Contract  string `json:"contract,omitempty"`
	ReadOnly  bool   `json:"readOnly"`
}

// Facade exposes the AppStore operations with the UI's failure policy:
// a failed operation is logged and answered with an empty value of its
// result type. A Facade over a nil Session answers everything that way.
type Facade struct {
	session   *Session
	logger    *zap.Logger
	metrics   *Metrics
	waitMined bool
	readOnly  bool
}

type FacadeOption func(*Facade)

func WithLogger(logger *zap.Logger) FacadeOption {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) FacadeOption {
	return func(f *Facade) { f.metrics = m }
}

// WithWaitMined makes Sell and Buy block until their transaction is included.
func WithWaitMined(wait bool) FacadeOption {
	return func(f *Facade) { f.waitMined = wait }
}

func withReadOnly(readOnly bool) FacadeOption {
	return func(f *Facade) { f.readOnly = readOnly }
}

func NewFacade(session *Session, opts ...FacadeOption) *Facade {
	f := &Facade{session: session, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Facade) Bound() bool {
	return f.session != nil
}

func (f *Facade) Info(ctx context.Context) SessionInfo {
	if f.session == nil {
		return SessionInfo{}
	}
	return SessionInfo{
		Bound:     true,
		Account:   f.Account(ctx),
		NetworkID: f.session.NetworkID(),
		Contract:  f.session.Address().Hex(),
		ReadOnly:  f.readOnly,
	}
}

// Account returns the active account, or "" when it cannot be resolved.
func (f *Facade) Account(ctx context.Context) string {
	started := time.Now()
	s, err := f.bound()
	if err == nil {
		var addr common.Address
		if addr, err = s.Account(ctx); err == nil {
			f.succeeded(opAccount, started)
			return addr.Hex()
		}
	}
	f.failed(opAccount, started, err)
	return ""
}

// Sell lists an app priced in wei. It returns nil on any failure.
func (f *Facade) Sell(ctx context.Context, name, tokenURI, price string) *Submission {
	started := time.Now()
	s, err := f.bound()
	if err == nil {
		var p *big.Int
		if p, err = parseAmount("price", price); err == nil {
			tx, txErr := s.Sell(ctx, name, tokenURI, p)
			if txErr == nil {
				sub := f.settle(ctx, s, opSell, tx)
				f.succeeded(opSell, started)
				return sub
			}
			err = txErr
		}
	}
	f.failed(opSell, started, err, zap.String("name", name), zap.String("price", price))
	return nil
}

// Buy purchases tokenID paying price wei. It returns nil on any failure.
func (f *Facade) Buy(ctx context.Context, tokenID, price string) *Submission {
	started := time.Now()
	s, err := f.bound()
	if err == nil {
		var id, value *big.Int
		if id, err = parseAmount("token id", tokenID); err == nil {
			if value, err = parseAmount("price", price); err == nil {
				tx, txErr := s.Buy(ctx, id, value)
				if txErr == nil {
					sub := f.settle(ctx, s, opBuy, tx)
					f.succeeded(opBuy, started)
					return sub
				}
				err = txErr
			}
		}
	}
	f.failed(opBuy, started, err, zap.String("tokenId", tokenID), zap.String("price", price))
	return nil
}

// Verify reports whether the active account bought tokenID; false on failure.
func (f *Facade) Verify(ctx context.Context, tokenID string) bool {
	started := time.Now()
	s, err := f.bound()
	if err == nil {
		var id *big.Int
		if id, err = parseAmount("token id", tokenID); err == nil {
			var ok bool
			if ok, err = s.Verify(ctx, id); err == nil {
				f.succeeded(opVerify, started)
				return ok
			}
		}
	}
	f.failed(opVerify, started, err, zap.String("tokenId", tokenID))
	return false
}

// TotalCount returns the number of listed apps as a decimal string; "0" on failure.
func (f *Facade) TotalCount(ctx context.Context) string {
	started := time.Now()
	s, err := f.bound()
	if err == nil {
		var n *big.Int
		if n, err = s.TotalCount(ctx); err == nil && n != nil {
			f.succeeded(opTotalCount, started)
			return n.String()
		}
	}
	f.failed(opTotalCount, started, err)
	return "0"
}

// TokenURI returns the metadata pointer of tokenID; "" on failure.
func (f *Facade) TokenURI(ctx context.Context, tokenID string) string {
	started := time.Now()
	s, err := f.bound()
	if err == nil {
		var id *big.Int
		if id, err = parseAmount("token id", tokenID); err == nil {
			var uri string
			if uri, err = s.TokenURI(ctx, id); err == nil {
				f.succeeded(opTokenURI, started)
				return uri
			}
		}
	}
	f.failed(opTokenURI, started, err, zap.String("tokenId", tokenID))
	return ""
}

// TokenURIs returns every non-empty token URI in id order. A failure part
// way through is logged and the URIs read before it are returned.
func (f *Facade) TokenURIs(ctx context.Context) []string {
	started := time.Now()
	s, err := f.bound()
	if err != nil {
		f.failed(opTokenURIs, started, err)
		return []string{}
	}
	items, err := s.TokenURIs(ctx)
	if err != nil {
		f.failed(opTokenURIs, started, err, zap.Int("collected", len(items)))
		return items
	}
	f.succeeded(opTokenURIs, started)
	return items
}

// AppInfo returns the listing of tokenID with each unreadable field left empty.
func (f *Facade) AppInfo(ctx context.Context, tokenID string) AppInfo {
	started := time.Now()
	empty := AppInfo{Buyers: []string{}}
	s, err := f.bound()
	if err != nil {
		f.failed(opAppInfo, started, err, zap.String("tokenId", tokenID))
		return empty
	}
	id, err := parseAmount("token id", tokenID)
	if err != nil {
		f.failed(opAppInfo, started, err, zap.String("tokenId", tokenID))
		return empty
	}
	info, err := s.AppInfo(ctx, id)
	if err != nil {
		f.failed(opAppInfo, started, err, zap.String("tokenId", tokenID))
		return info
	}
	f.succeeded(opAppInfo, started)
	return info
}

// TokenIDsBySeller lists the token ids seller has listed; nil on failure.
func (f *Facade) TokenIDsBySeller(ctx context.Context, seller string) []string {
	return f.tokenIDs(ctx, opBySeller, seller, (*Session).TokenIDsBySeller)
}

// TokenIDsByBuyer lists the token ids buyer has purchased; nil on failure.
func (f *Facade) TokenIDsByBuyer(ctx context.Context, buyer string) []string {
	return f.tokenIDs(ctx, opByBuyer, buyer, (*Session).TokenIDsByBuyer)
}

func (f *Facade) tokenIDs(ctx context.Context, op, address string, read func(*Session, context.Context, common.Address) ([]*big.Int, error)) []string {
	started := time.Now()
	s, err := f.bound()
	if err == nil {
		if !common.IsHexAddress(address) {
			err = fmt.Errorf("%w: address %q", ErrInvalidArgument, address)
		} else {
			var ids []*big.Int
			if ids, err = read(s, ctx, common.HexToAddress(address)); err == nil {
				out := make([]string, 0, len(ids))
				for _, id := range ids {
					out = append(out, id.String())
				}
				f.succeeded(op, started)
				return out
			}
		}
	}
	f.failed(op, started, err, zap.String("address", address))
	return nil
}

func (f *Facade) settle(ctx context.Context, s *Session, op string, tx *types.Transaction) *Submission {
	sub := &Submission{
		TxHash: tx.Hash().Hex(),
		Nonce:  tx.Nonce(),
		Status: StatusSubmitted,
	}
	if from, err := s.Account(ctx); err == nil {
		sub.From = from.Hex()
	}
	if !f.waitMined {
		return sub
	}
	receipt, err := s.WaitMined(ctx, tx)
	if err != nil {
		f.logger.Warn("transaction not confirmed", zap.String("op", op), zap.String("tx", sub.TxHash), zap.Error(err))
		return sub
	}
	sub.BlockNumber = receipt.BlockNumber.Uint64()
	sub.Status = StatusMined
	if receipt.Status == 0 {
		sub.Status = StatusReverted
	}
	return sub
}

func (f *Facade) bound() (*Session, error) {
	if f.session == nil {
		return nil, ErrUnbound
	}
	return f.session, nil
}

func (f *Facade) succeeded(op string, started time.Time) {
	f.metrics.observe(op, "ok", started)
}

func (f *Facade) failed(op string, started time.Time, err error, fields ...zap.Field) {
	f.metrics.observe(op, "error", started)
	fields = append(fields, zap.String("op", op), zap.Error(err))
	f.logger.Warn("appstore operation failed", fields...)
}

func parseAmount(field, value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q", ErrInvalidArgument, field, value)
	}
	return n, nil
}
