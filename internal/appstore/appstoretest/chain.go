// Package appstoretest provides an in-memory AppStore deployment that speaks
// the go-ethereum backend interfaces, for exercising sessions without a node.
package appstoretest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"appstore/internal/contracts"
	"appstore/internal/wallet"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	NetworkID = 5777
	ChainID   = 1337
)

var ErrReverted = errors.New("execution reverted")

// Call records one contract method invocation seen by the chain.
type Call struct {
	Method string
	Args   []interface{}
}

type failure struct {
	after int
	err   error
}

type listing struct {
	name   string
	uri    string
	price  *big.Int
	seller common.Address
	buyers []common.Address
}

// Chain is a single-contract chain holding AppStore state in memory.
type Chain struct {
	bind.ContractBackend

	mu        sync.Mutex
	abi       abi.ABI
	address   common.Address
	networkID int64
	chainID   int64
	block     uint64
	listings  []*listing
	failures  map[string]failure
	reverts   map[string]bool
	calls     []Call
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*types.Receipt
	accounts  []common.Address
	down      error
}

var (
	_ wallet.Backend       = (*Chain)(nil)
	_ wallet.AccountLister = (*Chain)(nil)
	_ bind.ContractBackend = (*Chain)(nil)
	_ bind.DeployBackend   = (*Chain)(nil)
)

// NewChain deploys an empty AppStore at the address the embedded artifact
// lists for NetworkID.
func NewChain() *Chain {
	artifact, err := contracts.AppStoreArtifact()
	if err != nil {
		panic(err)
	}
	address, ok := artifact.Address(NetworkID)
	if !ok {
		panic("embedded artifact has no deployment for the test network")
	}
	return &Chain{
		abi:       artifact.ABI(),
		address:   address,
		networkID: NetworkID,
		chainID:   ChainID,
		block:     1,
		failures:  map[string]failure{},
		reverts:   map[string]bool{},
		nonces:    map[common.Address]uint64{},
		receipts:  map[common.Hash]*types.Receipt{},
	}
}

// NewKey returns a fresh signing key.
func NewKey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

// Wallet returns a wallet on this chain. A nil key yields a read-only
// wallet whose account comes from SetAccounts.
func (c *Chain) Wallet(key *ecdsa.PrivateKey) *wallet.Wallet {
	return wallet.New(c, c, key)
}

func (c *Chain) Address() common.Address {
	return c.address
}

// Seed lists an app directly, without a transaction.
func (c *Chain) Seed(name, uri string, price int64, seller common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings = append(c.listings, &listing{name: name, uri: uri, price: big.NewInt(price), seller: seller})
	return big.NewInt(int64(len(c.listings) - 1))
}

// AddBuyer records a purchase directly, without a transaction.
func (c *Chain) AddBuyer(tokenID int64, buyer common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.listings[tokenID]
	l.buyers = append(l.buyers, buyer)
}

// Fail makes every later call or transaction to method return err.
// A nil err clears the failure.
func (c *Chain) Fail(method string, err error) {
	c.FailFrom(method, 0, err)
}

// FailFrom lets the first n invocations of method (counted since the chain
// was created) succeed and fails the rest with err.
func (c *Chain) FailFrom(method string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, method)
		return
	}
	c.failures[method] = failure{after: n, err: err}
}

// RevertMined makes later transactions to method get mined with a failed
// receipt instead of being rejected at submission. State is left untouched.
func (c *Chain) RevertMined(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverts[method] = true
}

// SetDown makes every RPC fail with err, as if the node were unreachable.
func (c *Chain) SetDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = err
}

func (c *Chain) SetNetworkID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.networkID = id
}

func (c *Chain) SetAccounts(accounts ...common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts = append([]common.Address(nil), accounts...)
}

// Calls returns the invocations of method in the order they arrived.
func (c *Chain) Calls(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (c *Chain) Accounts(context.Context) ([]common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down != nil {
		return nil, c.down
	}
	return append([]common.Address(nil), c.accounts...), nil
}

func (c *Chain) NetworkID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down != nil {
		return nil, c.down
	}
	return big.NewInt(c.networkID), nil
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down != nil {
		return nil, c.down
	}
	return big.NewInt(c.chainID), nil
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, c.down
}

func (c *Chain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(c.block),
		BaseFee: big.NewInt(1_000_000_000),
	}, c.down
}

func (c *Chain) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if account == c.address {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

func (c *Chain) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return c.CodeAt(ctx, account, nil)
}

func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (c *Chain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *Chain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 200_000, nil
}

func (c *Chain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down != nil {
		return nil, c.down
	}
	if msg.To == nil || *msg.To != c.address {
		return nil, nil
	}
	method, args, err := c.decode(msg.Data)
	if err != nil {
		return nil, err
	}
	out, err := c.view(method.Name, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down != nil {
		return c.down
	}
	if tx.To() == nil || *tx.To() != c.address {
		return fmt.Errorf("unknown contract")
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(c.chainID)), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("nonce too low")
	}
	method, args, err := c.decode(tx.Data())
	if err != nil {
		return err
	}
	status := types.ReceiptStatusSuccessful
	if c.reverts[method.Name] {
		status = types.ReceiptStatusFailed
	} else if err := c.apply(method.Name, from, tx.Value(), args); err != nil {
		return err
	}

	c.nonces[from]++
	c.block++
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.block),
		GasUsed:     21_000,
	}
	return nil
}

func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *Chain) decode(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("short calldata")
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	seen := 0
	for _, call := range c.calls {
		if call.Method == method.Name {
			seen++
		}
	}
	c.calls = append(c.calls, Call{Method: method.Name, Args: args})
	if f, ok := c.failures[method.Name]; ok && seen >= f.after {
		return nil, nil, f.err
	}
	return method, args, nil
}

func (c *Chain) listing(id *big.Int) (*listing, error) {
	if !id.IsInt64() || id.Int64() < 0 || id.Int64() >= int64(len(c.listings)) {
		return nil, fmt.Errorf("%w: unknown token", ErrReverted)
	}
	return c.listings[id.Int64()], nil
}

func (c *Chain) view(method string, args []interface{}) ([]interface{}, error) {
	switch method {
	case "totalCount":
		return []interface{}{big.NewInt(int64(len(c.listings)))}, nil
	case "getTokenIdsBySeller", "getTokenIdsByBuyer":
		who := args[0].(common.Address)
		ids := []*big.Int{}
		for i, l := range c.listings {
			if (method == "getTokenIdsBySeller" && l.seller == who) ||
				(method == "getTokenIdsByBuyer" && contains(l.buyers, who)) {
				ids = append(ids, big.NewInt(int64(i)))
			}
		}
		return []interface{}{ids}, nil
	}

	l, err := c.listing(args[0].(*big.Int))
	if err != nil {
		return nil, err
	}
	switch method {
	case "getTokenURI":
		return []interface{}{l.uri}, nil
	case "getAppName":
		return []interface{}{l.name}, nil
	case "getAppPrice":
		return []interface{}{new(big.Int).Set(l.price)}, nil
	case "getAppSeller":
		return []interface{}{l.seller}, nil
	case "getAppBuyers":
		return []interface{}{append([]common.Address{}, l.buyers...)}, nil
	case "verify":
		return []interface{}{contains(l.buyers, args[1].(common.Address))}, nil
	}
	return nil, fmt.Errorf("%s is not a view", method)
}

func (c *Chain) apply(method string, from common.Address, value *big.Int, args []interface{}) error {
	switch method {
	case "sell":
		price := args[2].(*big.Int)
		c.listings = append(c.listings, &listing{
			name:   args[0].(string),
			uri:    args[1].(string),
			price:  new(big.Int).Set(price),
			seller: from,
		})
		return nil
	case "buy":
		l, err := c.listing(args[0].(*big.Int))
		if err != nil {
			return err
		}
		if value == nil || value.Cmp(l.price) < 0 {
			return fmt.Errorf("%w: insufficient payment", ErrReverted)
		}
		if contains(l.buyers, from) {
			return fmt.Errorf("%w: already bought", ErrReverted)
		}
		l.buyers = append(l.buyers, from)
		return nil
	}
	return fmt.Errorf("%w: %s is not payable or state-changing", ErrReverted, method)
}

func contains(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
