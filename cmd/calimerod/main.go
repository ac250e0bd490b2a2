// Command calimerod is the node daemon: it loads configuration, opens
// local storage, and serves sync sessions over a libp2p mesh.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	golog "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/calimero-network/core/internal/blobstore"
	ctxregistry "github.com/calimero-network/core/internal/context"
	"github.com/calimero-network/core/internal/eventbus"
	"github.com/calimero-network/core/internal/hlc"
	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
	"github.com/calimero-network/core/internal/meshnet"
	"github.com/calimero-network/core/internal/metrics"
	"github.com/calimero-network/core/internal/modulecache"
	"github.com/calimero-network/core/internal/runtime"
	"github.com/calimero-network/core/internal/storage"
	syncproto "github.com/calimero-network/core/internal/sync"
	"github.com/calimero-network/core/pkg/config"
)

// node bundles every subsystem the daemon wires together, so command
// handlers don't pass a dozen separate arguments around.
type node struct {
	cfg      config.Config
	log      *logrus.Logger
	kv       *kvstore.Store
	blobs    *blobstore.Store
	store    *storage.Interface
	cache    *modulecache.Cache
	registry *ctxregistry.Registry
	bus      *eventbus.Bus
	rt       *runtime.Runtime
	clock    *hlc.Clock
	host     libp2phost.Host
	metrics  *metrics.Registry
}

func main() {
	root := &cobra.Command{Use: "calimerod", Short: "Calimero node daemon"}
	root.AddCommand(serveCmd())
	root.AddCommand(idCmd())
	root.AddCommand(invokeCmd())
	root.AddCommand(initCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the node and serve sync sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			return n.serve(cmd.Context())
		},
	}
}

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "print this node's libp2p peer id",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			defer n.kv.Close()
			fmt.Println(n.host.ID().String())
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "write a default config/default.yaml to start from",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("calimerod: create config dir: %w", err)
			}
			return config.WriteDefaultFile(out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "config/default.yaml", "path to write")
	return cmd
}

func invokeCmd() *cobra.Command {
	var contextArg, appArg, appVersion, method, argsStr, callerArg, wasmPath string
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "execute one application method call against a local context",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			defer n.kv.Close()

			contextID, err := ids.ContextIdFromString(contextArg)
			if err != nil {
				return fmt.Errorf("calimerod: --context: %w", err)
			}
			appID, err := ids.ApplicationIdFromString(appArg)
			if err != nil {
				return fmt.Errorf("calimerod: --app: %w", err)
			}
			var caller ids.SignerId
			if callerArg != "" {
				caller, err = ids.SignerIdFromString(callerArg)
				if err != nil {
					return fmt.Errorf("calimerod: --caller: %w", err)
				}
			}
			wasmBytes, err := os.ReadFile(wasmPath)
			if err != nil {
				return fmt.Errorf("calimerod: read wasm: %w", err)
			}

			outcome, err := n.rt.Execute(cmd.Context(), runtime.ExecutionParams{
				ContextID:  contextID,
				Caller:     caller,
				Method:     method,
				Args:       []byte(argsStr),
				AppWasm:    wasmBytes,
				AppID:      appID,
				AppVersion: appVersion,
				Clock:      n.clock,
			})
			if err != nil {
				return fmt.Errorf("calimerod: execute: %w", err)
			}

			// Events become visible only once the call that produced them
			// commits (spec §4.10) — Execute already guarantees that by
			// only returning Events on success, so publishing here never
			// surfaces an event from a call that trapped.
			for _, ev := range outcome.Events {
				n.bus.Publish(ev)
			}
			for _, line := range outcome.Logs {
				n.log.Info(line)
			}
			fmt.Printf("gas used: %d\nreturn: %x\n", outcome.GasUsed, outcome.ReturnValue)
			return nil
		},
	}
	cmd.Flags().StringVar(&contextArg, "context", "", "context id (base58)")
	cmd.Flags().StringVar(&appArg, "app", "", "application id (base58)")
	cmd.Flags().StringVar(&appVersion, "app-version", "", "application version tag")
	cmd.Flags().StringVar(&method, "method", "", "exported method name")
	cmd.Flags().StringVar(&argsStr, "args", "", "method arguments, passed through as raw bytes")
	cmd.Flags().StringVar(&callerArg, "caller", "", "caller signer id (base58)")
	cmd.Flags().StringVar(&wasmPath, "wasm", "", "path to the application's WASM module")
	return cmd
}

// newNode loads configuration and opens every storage/runtime subsystem,
// but does not yet start listening (spec §9's startup sequence).
func newNode() (*node, error) {
	golog.SetAllLoggers(golog.LevelError)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		defaults := config.Defaults()
		cfg = &defaults
	}

	log := logrus.New()
	if lvl, parseErr := logrus.ParseLevel(cfg.Logging.Level); parseErr == nil {
		log.SetLevel(lvl)
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("calimerod: create data dir: %w", err)
	}

	kv, err := kvstore.Open(cfg.Storage.KVPath, kvstore.AllColumns)
	if err != nil {
		return nil, fmt.Errorf("calimerod: open kvstore: %w", err)
	}

	blobsDir := cfg.Storage.BlobPath
	if blobsDir == "" {
		blobsDir = filepath.Join(cfg.Node.DataDir, "blobs")
	}
	blobs, err := blobstore.New(kv, blobsDir)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("calimerod: open blobstore: %w", err)
	}

	store := storage.New(kv)

	cache, err := modulecache.New(kv, cfg.Storage.ModuleCacheSize)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("calimerod: open module cache: %w", err)
	}

	registry, err := ctxregistry.New(kv, cfg.Storage.ModuleCacheSize, log)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("calimerod: open context registry: %w", err)
	}

	bus := eventbus.New()
	reg := metrics.New()
	cache.SetMetrics(reg)
	rt := runtime.New(cache, store, blobs, float64(cfg.Runtime.CallsPerSecond), cfg.Runtime.CallBurst, cfg.Runtime.GasLimit)
	rt.SetMetrics(reg)
	rt.SetRegistry(registry)

	var nodeID [hlc.NodeIDSize]byte
	copy(nodeID[:], []byte(cfg.Node.ListenAddr))
	clock := hlc.New(nodeID, hlc.SystemClock)

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("calimerod: generate host key: %w", err)
	}
	host, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.Node.ListenAddr),
	)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("calimerod: start libp2p host: %w", err)
	}

	return &node{
		cfg:      *cfg,
		log:      log,
		kv:       kv,
		blobs:    blobs,
		store:    store,
		cache:    cache,
		registry: registry,
		bus:      bus,
		rt:       rt,
		clock:    clock,
		host:     host,
		metrics:  reg,
	}, nil
}

// serve registers the sync protocol stream handler and blocks until the
// process receives a termination signal (spec §9).
func (n *node) serve(ctx context.Context) error {
	defer n.kv.Close()
	defer n.host.Close()

	n.log.Infof("calimerod listening on %s, peer id %s", n.cfg.Node.ListenAddr, n.host.ID())

	meshnet.SetStreamHandler(n.host, func(s *meshnet.Stream) {
		defer s.Close()
		responder := &syncproto.Responder{
			Store:    n.store,
			Clock:    n.clock,
			Stream:   s,
			Timeout:  syncproto.DefaultSessionTimeout,
			Members:  n.isContextMember,
			Metrics:  n.metrics,
			Registry: n.registry,
			Blobs:    n.blobs,
		}
		if err := responder.HandleSession(); err != nil {
			n.log.WithError(err).Warn("sync session ended")
		}
	})

	metricsAddr := n.cfg.Node.MetricsAddr
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(n.metrics.Gatherer(), promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.log.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	n.log.Info("calimerod shutting down")
	return nil
}

// isContextMember answers a sync Responder's membership check (spec
// §4.8.1) against the locally registered context metadata.
func (n *node) isContextMember(contextID ids.ContextId, identity ids.SignerId) bool {
	meta, err := n.registry.Get(contextID)
	if err != nil {
		return false
	}
	for _, m := range meta.Members {
		if ids.SignerId(m) == identity {
			return true
		}
	}
	return false
}

// dialPeer opens a sync stream to a remote peer. No subcommand calls it.
func (n *node) dialPeer(ctx context.Context, p peer.ID) (*meshnet.Stream, error) {
	return meshnet.Dial(ctx, n.host, p)
}
