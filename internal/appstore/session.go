// Package appstore binds the AppStore contract to a wallet and exposes its operations.
package appstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"appstore/internal/contracts"
	"appstore/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract is the part of *bind.BoundContract a Session drives.
type Contract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

// Signer resolves the sending account and signs state-changing calls.
type Signer interface {
	Account(ctx context.Context) (common.Address, error)
	TransactOpts(ctx context.Context, value *big.Int) (*bind.TransactOpts, error)
}

// Provider is what Bind needs from a wallet. *wallet.Wallet satisfies it.
type Provider interface {
	Signer
	NetworkID(ctx context.Context) (uint64, error)
	Backend() wallet.Backend
}

// AppInfo is the per-token listing as the contract reports it.
type AppInfo struct {
	Name   string   `json:"name"`
	Price  string   `json:"price"`
	Seller string   `json:"seller"`
	Buyers []string `json:"buyers"`
}

// Session is a contract handle bound to one network and one signer.
// Every method returns the contract's answer or an error; nothing is cached.
type Session struct {
	contract  Contract
	signer    Signer
	receipts  bind.DeployBackend
	address   common.Address
	networkID uint64
}

// Bind resolves the provider's network id and binds the deployment the
// artifact lists for it. It fails with ErrUnsupportedNetwork when there is none.
func Bind(ctx context.Context, p Provider, artifact *contracts.Artifact) (*Session, error) {
	if artifact == nil {
		return nil, errors.New("artifact is required")
	}
	networkID, err := p.NetworkID(ctx)
	if err != nil {
		return nil, err
	}
	if networkID == 0 {
		return nil, fmt.Errorf("%w: network id not resolved", ErrUnsupportedNetwork)
	}
	address, ok := artifact.Address(networkID)
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedNetwork, networkID)
	}

	backend := p.Backend()
	bound := bind.NewBoundContract(address, artifact.ABI(), backend, backend, backend)
	return NewSession(bound, p, backend, address, networkID), nil
}

func NewSession(contract Contract, signer Signer, receipts bind.DeployBackend, address common.Address, networkID uint64) *Session {
	return &Session{
		contract:  contract,
		signer:    signer,
		receipts:  receipts,
		address:   address,
		networkID: networkID,
	}
}

func (s *Session) Address() common.Address {
	return s.address
}

func (s *Session) NetworkID() uint64 {
	return s.networkID
}

func (s *Session) Account(ctx context.Context) (common.Address, error) {
	return s.signer.Account(ctx)
}

// Sell lists a new app. The returned transaction has only been accepted by the node.
func (s *Session) Sell(ctx context.Context, name, tokenURI string, price *big.Int) (*types.Transaction, error) {
	if price == nil || price.Sign() < 0 {
		return nil, fmt.Errorf("%w: price", ErrInvalidArgument)
	}
	return s.transact(ctx, nil, "sell", name, tokenURI, price)
}

// Buy purchases tokenID, paying value wei.
func (s *Session) Buy(ctx context.Context, tokenID, value *big.Int) (*types.Transaction, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, fmt.Errorf("%w: token id", ErrInvalidArgument)
	}
	return s.transact(ctx, value, "buy", tokenID)
}

// Verify reports whether the active account owns a purchase of tokenID.
func (s *Session) Verify(ctx context.Context, tokenID *big.Int) (bool, error) {
	account, err := s.signer.Account(ctx)
	if err != nil {
		return false, err
	}
	return callAs[bool](ctx, s, "verify", tokenID, account)
}

func (s *Session) TotalCount(ctx context.Context) (*big.Int, error) {
	return callAs[*big.Int](ctx, s, "totalCount")
}

func (s *Session) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	return callAs[string](ctx, s, "getTokenURI", tokenID)
}

// TokenURIs walks token ids 0..totalCount-1 one call at a time and returns
// the non-empty URIs in id order. On failure it returns what it had so far.
func (s *Session) TokenURIs(ctx context.Context) ([]string, error) {
	items := []string{}
	count, err := s.TotalCount(ctx)
	if err != nil {
		return items, err
	}
	for i := new(big.Int); i.Cmp(count) < 0; i.Add(i, big.NewInt(1)) {
		uri, err := s.TokenURI(ctx, new(big.Int).Set(i))
		if err != nil {
			return items, err
		}
		if uri != "" {
			items = append(items, uri)
		}
	}
	return items, nil
}

// AppInfo reads the four listing fields independently. A failed read leaves
// its field empty; all failures are joined into the returned error.
func (s *Session) AppInfo(ctx context.Context, tokenID *big.Int) (AppInfo, error) {
	info := AppInfo{Buyers: []string{}}
	var errs []error

	if name, err := callAs[string](ctx, s, "getAppName", tokenID); err != nil {
		errs = append(errs, err)
	} else {
		info.Name = name
	}
	if price, err := callAs[*big.Int](ctx, s, "getAppPrice", tokenID); err != nil {
		errs = append(errs, err)
	} else if price != nil {
		info.Price = price.String()
	}
	if seller, err := callAs[common.Address](ctx, s, "getAppSeller", tokenID); err != nil {
		errs = append(errs, err)
	} else {
		info.Seller = seller.Hex()
	}
	if buyers, err := callAs[[]common.Address](ctx, s, "getAppBuyers", tokenID); err != nil {
		errs = append(errs, err)
	} else {
		for _, b := range buyers {
			info.Buyers = append(info.Buyers, b.Hex())
		}
	}
	return info, errors.Join(errs...)
}

func (s *Session) TokenIDsBySeller(ctx context.Context, seller common.Address) ([]*big.Int, error) {
	return callAs[[]*big.Int](ctx, s, "getTokenIdsBySeller", seller)
}

func (s *Session) TokenIDsByBuyer(ctx context.Context, buyer common.Address) ([]*big.Int, error) {
	return callAs[[]*big.Int](ctx, s, "getTokenIdsByBuyer", buyer)
}

// WaitMined blocks until tx is included or ctx ends.
func (s *Session) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if s.receipts == nil {
		return nil, errors.New("no receipt backend")
	}
	receipt, err := bind.WaitMined(ctx, s.receipts, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined: %w", err)
	}
	return receipt, nil
}

func (s *Session) transact(ctx context.Context, value *big.Int, method string, params ...interface{}) (*types.Transaction, error) {
	if _, err := s.signer.Account(ctx); err != nil {
		return nil, err
	}
	opts, err := s.signer.TransactOpts(ctx, value)
	if err != nil {
		return nil, err
	}
	tx, err := s.contract.Transact(opts, method, params...)
	if err != nil {
		return nil, &CallError{Method: method, Err: err}
	}
	return tx, nil
}

func callAs[T any](ctx context.Context, s *Session, method string, params ...interface{}) (T, error) {
	var zero T
	var out []interface{}
	if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return zero, &CallError{Method: method, Err: err}
	}
	if len(out) == 0 {
		return zero, &CallError{Method: method, Err: errors.New("empty result")}
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, &CallError{Method: method, Err: fmt.Errorf("unexpected result type %T", out[0])}
	}
	return v, nil
}
