package appstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"appstore/internal/contracts"
	"appstore/internal/wallet"

	"go.uber.org/zap"
)

type Config struct {
	Wallet        wallet.Config
	Artifact      *contracts.Artifact
	WaitMined     bool
	WatchInterval time.Duration
	// RPCTimeout bounds one Init attempt. Zero means no bound beyond ctx.
	RPCTimeout time.Duration
}

// Dialer opens a wallet. wallet.Dial is the production implementation.
type Dialer func(ctx context.Context, cfg wallet.Config) (*wallet.Wallet, error)

// App owns the wallet and contract session for one process. It is built
// once, handed to whoever serves requests, and rebuilt after the wallet
// reports an account or chain change.
type App struct {
	cfg     Config
	dial    Dialer
	logger  *zap.Logger
	metrics *Metrics

	// initMu serializes Init attempts; mu guards the bound state and is
	// never held across provider I/O.
	initMu   sync.Mutex
	mu       sync.RWMutex
	wallet   *wallet.Wallet
	facade   *Facade
	baseline wallet.Snapshot
}

func NewApp(cfg Config, logger *zap.Logger, metrics *Metrics) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 2 * time.Second
	}
	return &App{
		cfg:     cfg,
		dial:    wallet.Dial,
		logger:  logger,
		metrics: metrics,
	}
}

func (a *App) WithDialer(d Dialer) *App {
	if d != nil {
		a.dial = d
	}
	return a
}

// Init dials the wallet and binds the contract. It is a no-op while a
// session is bound. On failure the App keeps serving an unbound Facade.
func (a *App) Init(ctx context.Context) error {
	if a.Wallet() != nil {
		return nil
	}
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.Wallet() != nil {
		return nil
	}

	if a.cfg.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RPCTimeout)
		defer cancel()
	}

	w, session, base, err := a.bind(ctx)
	if err != nil {
		a.metrics.setBound(false)
		return err
	}

	a.logger.Info("session bound",
		zap.String("rpc", w.URL()),
		zap.String("account", base.Account.Hex()),
		zap.Uint64("networkId", session.NetworkID()),
		zap.Uint64("chainId", base.ChainID),
		zap.String("contract", session.Address().Hex()),
	)

	facade := NewFacade(session,
		WithLogger(a.logger),
		WithMetrics(a.metrics),
		WithWaitMined(a.cfg.WaitMined),
		withReadOnly(w.ReadOnly()),
	)

	a.mu.Lock()
	a.wallet = w
	a.facade = facade
	a.baseline = base
	a.mu.Unlock()

	a.metrics.setBound(true)
	return nil
}

// bind dials and binds without holding any App lock. The returned snapshot
// is read before the contract is bound, so any later change shows up as a
// difference from it.
func (a *App) bind(ctx context.Context) (*wallet.Wallet, *Session, wallet.Snapshot, error) {
	w, err := a.dial(ctx, a.cfg.Wallet)
	if err != nil {
		a.logger.Error("wallet init failed", zap.Error(err))
		return nil, nil, wallet.Snapshot{}, err
	}
	w.WithLogger(a.logger.Named("wallet"))

	base, err := w.Snapshot(ctx)
	if err != nil {
		w.Close()
		a.logger.Error("wallet snapshot failed", zap.Error(err))
		return nil, nil, wallet.Snapshot{}, err
	}

	session, err := Bind(ctx, w, a.cfg.Artifact)
	if err != nil {
		w.Close()
		a.logger.Error("contract bind failed", zap.Error(err))
		return nil, nil, wallet.Snapshot{}, err
	}
	// The network moved between the snapshot and Bind: keep the bound id so
	// the watcher compares against what the session actually uses.
	base.NetworkID = session.NetworkID()
	return w, session, base, nil
}

// Facade returns the current operation façade. It is never nil.
func (a *App) Facade() *Facade {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.facade == nil {
		return NewFacade(nil, WithLogger(a.logger), WithMetrics(a.metrics))
	}
	return a.facade
}

func (a *App) Wallet() *wallet.Wallet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.wallet
}

// Invalidate discards the wallet, its cached account and the session.
// Facades handed out earlier keep working against the old binding.
func (a *App) Invalidate(kind wallet.ChangeKind) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.wallet != nil {
		a.wallet.Close()
	}
	a.wallet = nil
	a.facade = nil
	a.baseline = wallet.Snapshot{}
	a.metrics.setBound(false)
	a.metrics.incInvalidation(kind.String())
	a.logger.Info("session invalidated", zap.Stringer("event", kind))
}

// Ping checks the bound provider.
func (a *App) Ping(ctx context.Context) error {
	w := a.Wallet()
	if w == nil {
		return ErrUnbound
	}
	return w.Ping(ctx)
}

// Run keeps the App bound until ctx ends: it retries Init while unbound and
// rebinds after every wallet change.
func (a *App) Run(ctx context.Context) error {
	for {
		w, base := a.bound()
		if w == nil {
			if err := a.Init(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(a.cfg.WatchInterval):
				}
			}
			continue
		}

		err := w.Watch(ctx, a.cfg.WatchInterval, &base, a.Invalidate)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			a.logger.Warn("wallet watch stopped", zap.Error(err))
		}
	}
}

func (a *App) bound() (*wallet.Wallet, wallet.Snapshot) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.wallet, a.baseline
}

func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wallet != nil {
		a.wallet.Close()
	}
	a.wallet = nil
	a.facade = nil
}
