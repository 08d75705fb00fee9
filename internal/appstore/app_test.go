package appstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"appstore/internal/appstore/appstoretest"
	"appstore/internal/contracts"
	"appstore/internal/wallet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestApp(t *testing.T, chain *appstoretest.Chain) (*App, *Metrics) {
	t.Helper()
	artifact, err := contracts.AppStoreArtifact()
	require.NoError(t, err)

	metrics := NewMetrics(prometheus.NewRegistry())
	app := NewApp(Config{
		Artifact:      artifact,
		WatchInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(t), metrics)
	app.WithDialer(func(context.Context, wallet.Config) (*wallet.Wallet, error) {
		return chain.Wallet(nil), nil
	})
	return app, metrics
}

func TestAppInvalidateDiscardsCachedAccount(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.SetAccounts(alice)
	app, metrics := newTestApp(t, chain)
	ctx := context.Background()

	require.NoError(t, app.Init(ctx))
	assert.True(t, app.Facade().Bound())
	assert.Equal(t, alice.Hex(), app.Facade().Account(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sessionBound))

	chain.SetAccounts(bob)
	assert.Equal(t, alice.Hex(), app.Facade().Account(ctx), "account stays cached while bound")

	app.Invalidate(wallet.AccountsChanged)
	assert.False(t, app.Facade().Bound())
	assert.Equal(t, "", app.Facade().Account(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invalidations.WithLabelValues("accountsChanged")))

	require.NoError(t, app.Init(ctx))
	assert.Equal(t, bob.Hex(), app.Facade().Account(ctx))
}

func TestAppInitIsIdempotentWhileBound(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.SetAccounts(alice)
	app, _ := newTestApp(t, chain)
	ctx := context.Background()

	require.NoError(t, app.Init(ctx))
	first := app.Facade()
	require.NoError(t, app.Init(ctx))
	assert.Same(t, first, app.Facade())
}

func TestAppInitFailureServesUnboundFacade(t *testing.T) {
	chain := appstoretest.NewChain()
	app, metrics := newTestApp(t, chain)
	app.WithDialer(func(context.Context, wallet.Config) (*wallet.Wallet, error) {
		return nil, wallet.ErrProviderUnavailable
	})

	err := app.Init(context.Background())
	assert.ErrorIs(t, err, wallet.ErrProviderUnavailable)
	assert.False(t, app.Facade().Bound())
	assert.Equal(t, "0", app.Facade().TotalCount(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.sessionBound))
	assert.ErrorIs(t, app.Ping(context.Background()), ErrUnbound)
}

func TestAppInitUnsupportedNetwork(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.SetNetworkID(3)
	app, _ := newTestApp(t, chain)

	err := app.Init(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	assert.Nil(t, app.Wallet())
}

func TestAppRunRebindsAfterAccountChange(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.SetAccounts(alice)
	app, _ := newTestApp(t, chain)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.Facade().Account(context.Background()) == alice.Hex()
	}, time.Second, 5*time.Millisecond)

	chain.SetAccounts(bob)
	assert.Eventually(t, func() bool {
		return app.Facade().Account(context.Background()) == bob.Hex()
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestAppRunRetriesUntilNetworkIsSupported(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.SetAccounts(alice)
	chain.SetNetworkID(3)
	app, _ := newTestApp(t, chain)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, app.Facade().Bound())

	chain.SetNetworkID(appstoretest.NetworkID)
	assert.Eventually(t, func() bool { return app.Facade().Bound() }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestAppRunDetectsChainChangeRightAfterInit(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.SetAccounts(alice)
	app, metrics := newTestApp(t, chain)

	require.NoError(t, app.Init(context.Background()))
	chain.SetNetworkID(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.invalidations.WithLabelValues("chainChanged")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, app.Facade().Bound(), "network 1 has no deployment")

	cancel()
	<-done
}

func TestAppFacadeServesDefaultsWhileInitIsDialing(t *testing.T) {
	chain := appstoretest.NewChain()
	app, _ := newTestApp(t, chain)
	release := make(chan struct{})
	app.WithDialer(func(ctx context.Context, _ wallet.Config) (*wallet.Wallet, error) {
		<-release
		return chain.Wallet(nil), nil
	})

	initDone := make(chan error, 1)
	go func() { initDone <- app.Init(context.Background()) }()

	answered := make(chan string, 1)
	go func() { answered <- app.Facade().TotalCount(context.Background()) }()

	select {
	case got := <-answered:
		assert.Equal(t, "0", got)
	case <-time.After(time.Second):
		t.Fatal("Facade blocked behind a dialing Init")
	}

	close(release)
	require.NoError(t, <-initDone)
	assert.True(t, app.Facade().Bound())
}

func TestAppInitGivesUpAfterRPCTimeout(t *testing.T) {
	artifact, err := contracts.AppStoreArtifact()
	require.NoError(t, err)

	app := NewApp(Config{Artifact: artifact, RPCTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t), nil)
	app.WithDialer(func(ctx context.Context, _ wallet.Config) (*wallet.Wallet, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	err = app.Init(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, app.Facade().Bound())
}

func TestAppInitLogsBoundEndpoint(t *testing.T) {
	chain := appstoretest.NewChain()
	chain.SetAccounts(alice)
	artifact, err := contracts.AppStoreArtifact()
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	app := NewApp(Config{Artifact: artifact}, zap.New(core), nil)
	app.WithDialer(func(context.Context, wallet.Config) (*wallet.Wallet, error) {
		return chain.Wallet(nil), nil
	})
	require.NoError(t, app.Init(context.Background()))

	bound := logs.FilterMessage("session bound").All()
	require.Len(t, bound, 1)
	fields := bound[0].ContextMap()
	assert.Contains(t, fields, "rpc")
	assert.Equal(t, alice.Hex(), fields["account"])
}
