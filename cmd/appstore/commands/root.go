package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"appstore/internal/appstore"
	"appstore/internal/config"
	"appstore/internal/logging"
)

var (
	cfg    *config.AppConfig
	logger *zap.Logger

	rpcURL       string
	artifactPath string
	privateKey   string
	keystorePath string
	logLevel     string
	waitMined    bool

	// dialer replaces wallet.Dial when set.
	dialer appstore.Dialer
)

func Execute() error {
	root := &cobra.Command{
		Use:           "appstore",
		Short:         "Sell, buy and verify apps on the AppStore contract",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("rpc") {
				loaded.Chain.RPCURL = rpcURL
			}
			if flags.Changed("private-key") {
				loaded.Chain.PrivateKey = privateKey
			}
			if flags.Changed("keystore") {
				loaded.Chain.KeystorePath = keystorePath
			}
			if flags.Changed("log-level") {
				loaded.Log.Level = logLevel
			}
			if flags.Changed("wait-mined") {
				loaded.Chain.WaitMined = waitMined
			}
			if flags.Changed("artifact") {
				loaded.Chain.ArtifactPath = artifactPath
				if err := loaded.LoadArtifact(); err != nil {
					return err
				}
			}

			l, err := logging.New(logging.Options{
				Level:       loaded.Log.Level,
				File:        loaded.Log.File,
				Development: loaded.Log.Development,
			})
			if err != nil {
				return err
			}
			cfg, logger = loaded, l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&rpcURL, "rpc", "", "JSON-RPC endpoint (default $APPSTORE_RPC_URL, then http://localhost:7545)")
	pf.StringVar(&artifactPath, "artifact", "", "contract artifact JSON (default: built-in AppStore artifact)")
	pf.StringVar(&privateKey, "private-key", "", "hex signing key")
	pf.StringVar(&keystorePath, "keystore", "", "encrypted key file; passphrase from $APPSTORE_KEYSTORE_PASSPHRASE")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&waitMined, "wait-mined", false, "wait for sell and buy transactions to be mined")

	root.AddCommand(
		serveCmd(),
		sessionCmd(),
		countCmd(),
		urisCmd(),
		uriCmd(),
		infoCmd(),
		sellCmd(),
		buyCmd(),
		verifyCmd(),
		soldCmd(),
		boughtCmd(),
	)
	return root.Execute()
}

func newApp(metrics *appstore.Metrics) *appstore.App {
	return appstore.NewApp(appstore.Config{
		Wallet:        cfg.Wallet(),
		Artifact:      cfg.Artifact,
		WaitMined:     cfg.Chain.WaitMined,
		WatchInterval: cfg.Chain.WatchInterval,
		RPCTimeout:    cfg.Chain.RPCTimeout,
	}, logger, metrics).WithDialer(dialer)
}

// withFacade binds a session for a single command. A failed bind still
// runs fn, against an unbound façade.
func withFacade(cmd *cobra.Command, fn func(ctx context.Context, f *appstore.Facade) error) error {
	ctx := cmd.Context()
	if cfg.Chain.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		defer cancel()
	}

	app := newApp(nil)
	defer app.Close()
	_ = app.Init(ctx)
	return fn(ctx, app.Facade())
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
