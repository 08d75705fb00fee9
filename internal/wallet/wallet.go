// Package wallet resolves the chain provider and the account operations are sent from.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// FallbackRPCURL is the local development node used when no provider is configured.
const FallbackRPCURL = "http://localhost:7545"

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrPermissionDenied    = errors.New("account access denied")
	ErrNoAccount           = errors.New("no account available")
	ErrReadOnly            = errors.New("wallet is read-only")
)

// Backend is the slice of ethclient.Client the wallet and contract session use.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// AccountLister returns the accounts a node manages on our behalf.
type AccountLister interface {
	Accounts(ctx context.Context) ([]common.Address, error)
}

type Config struct {
	RPCURL             string
	PrivateKeyHex      string
	KeystorePath       string
	KeystorePassphrase string
}

// Wallet binds a provider to an account. The first resolved account is kept
// for the wallet's lifetime; a changed account means building a new Wallet.
type Wallet struct {
	backend  Backend
	accounts AccountLister
	key      *ecdsa.PrivateKey
	url      string
	closer   func()
	logger   *zap.Logger

	mu      sync.Mutex
	account *common.Address
}

func New(backend Backend, accounts AccountLister, key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		backend:  backend,
		accounts: accounts,
		key:      key,
		logger:   zap.NewNop(),
	}
}

// Dial connects to the configured RPC endpoint, or to FallbackRPCURL when none
// is set, and unlocks the signer if one is configured.
func Dial(ctx context.Context, cfg Config) (*Wallet, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		url = FallbackRPCURL
	}

	key, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}

	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrProviderUnavailable, url, err)
	}
	cli := ethclient.NewClient(rpcClient)
	if _, err := cli.NetworkID(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: probe %s: %w", ErrProviderUnavailable, url, err)
	}

	w := New(cli, nodeAccounts{client: rpcClient}, key)
	w.url = url
	w.closer = cli.Close
	return w, nil
}

func (w *Wallet) WithLogger(logger *zap.Logger) *Wallet {
	if logger != nil {
		w.logger = logger
	}
	return w
}

func (w *Wallet) Backend() Backend {
	return w.backend
}

func (w *Wallet) URL() string {
	return w.url
}

// ReadOnly reports whether the wallet can sign transactions.
func (w *Wallet) ReadOnly() bool {
	return w.key == nil
}

// Account returns the active account, resolving it on first use.
func (w *Wallet) Account(ctx context.Context) (common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.account != nil {
		return *w.account, nil
	}
	addr, err := w.currentAccount(ctx)
	if err != nil {
		return common.Address{}, err
	}
	w.account = &addr
	return addr, nil
}

func (w *Wallet) currentAccount(ctx context.Context) (common.Address, error) {
	if w.key != nil {
		return crypto.PubkeyToAddress(w.key.PublicKey), nil
	}
	if w.accounts == nil {
		return common.Address{}, ErrNoAccount
	}
	list, err := w.accounts.Accounts(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("list accounts: %w", err)
	}
	if len(list) == 0 {
		return common.Address{}, ErrNoAccount
	}
	return list[0], nil
}

func (w *Wallet) NetworkID(ctx context.Context) (uint64, error) {
	id, err := w.backend.NetworkID(ctx)
	if err != nil {
		return 0, fmt.Errorf("network id: %w", err)
	}
	return id.Uint64(), nil
}

func (w *Wallet) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := w.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return id, nil
}

// TransactOpts builds signing options for a state-changing call carrying value wei.
func (w *Wallet) TransactOpts(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	if w.key == nil {
		return nil, ErrReadOnly
	}
	chainID, err := w.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value
	return opts, nil
}

func (w *Wallet) Ping(ctx context.Context) error {
	if w.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := w.backend.BlockNumber(ctx)
	return err
}

func (w *Wallet) Close() {
	if w.closer != nil {
		w.closer()
	}
}

func loadSigner(cfg Config) (*ecdsa.PrivateKey, error) {
	if cfg.PrivateKeyHex != "" {
		return parsePrivateKey(cfg.PrivateKeyHex)
	}
	if cfg.KeystorePath == "" {
		return nil, nil
	}
	blob, err := os.ReadFile(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(blob, cfg.KeystorePassphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return key.PrivateKey, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %w", ErrPermissionDenied, err)
	}
	return key, nil
}

type nodeAccounts struct {
	client *rpc.Client
}

func (n nodeAccounts) Accounts(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := n.client.CallContext(ctx, &out, "eth_accounts"); err != nil {
		return nil, err
	}
	return out, nil
}
