// Command p2pnode wires configuration, cryptography, the Kademlia
// routing table and protocol, and the Peer manager into a running node.
// It is the ambient bootstrap layer the specification explicitly
// excludes from its own scope.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warpnet/p2p/config"
	"github.com/warpnet/p2p/kademlia"
	"github.com/warpnet/p2p/metrics"
	"github.com/warpnet/p2p/p2p"
)

var (
	cfgFile    string
	metricsURL string
)

func main() {
	root := &cobra.Command{
		Use:   "p2pnode",
		Short: "Runs a peer session engine and Kademlia discovery node",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (viper-compatible)")
	root.PersistentFlags().String("listen-host", "0.0.0.0", "p2p.listen_host override")
	root.PersistentFlags().Int("listen-port", 30303, "p2p.listen_port override")
	root.PersistentFlags().StringSlice("bootstrap", nil, "p2p.bootstrap_nodes override")
	root.PersistentFlags().StringVar(&metricsURL, "metrics-addr", ":9090", "address to serve Prometheus metrics on")

	_ = viper.BindPFlag("p2p.listen_host", root.PersistentFlags().Lookup("listen-host"))
	_ = viper.BindPFlag("p2p.listen_port", root.PersistentFlags().Lookup("listen-port"))
	_ = viper.BindPFlag("p2p.bootstrap_nodes", root.PersistentFlags().Lookup("bootstrap"))

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			_ = viper.ReadInConfig()
		}
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	reg := metrics.New(prometheus.DefaultRegisterer)

	local := kademlia.Node{
		Id:      cfg.PrivateKey.Public().NodeId(),
		IP:      net.ParseIP(cfg.ListenHost),
		TCPPort: cfg.ListenPort,
		UDPPort: cfg.ListenPort,
		PubKey:  cfg.PrivateKey.Public().Bytes(),
	}
	log.Info("node identity", zap.String("node_id", local.Id.String()))

	table := kademlia.NewRoutingTable(local, reg)

	// kad's Wire sends over live Peer sessions, but the Manager that owns
	// those sessions needs kad's factory to build the discovery
	// sub-protocol, which closes over kad itself. Break the cycle with a
	// forward reference: the wire's lookup closes over mgr, which is only
	// assigned once NewManager returns below.
	var mgr *p2p.Manager
	wire := p2p.NewDiscoveryWire(func(id kademlia.NodeId) (*p2p.Peer, bool) {
		return mgr.PeerByNodeId(id)
	})
	kad := kademlia.NewProtocol(table, wire, log, reg)
	go kad.Run()
	defer kad.Stop()

	// k_max_node_age_idle governs how stale a bucket must go before it is
	// refreshed; a quarter of that period is a reasonable sweep cadence
	// without flooding the network with self-lookups.
	staleTicker := time.NewTicker(kademlia.MaxNodeAgeIdle / 4)
	defer staleTicker.Stop()
	staleDone := make(chan struct{})
	defer close(staleDone)
	go func() {
		for {
			select {
			case <-staleTicker.C:
				kad.RefreshStaleBuckets()
			case <-staleDone:
				return
			}
		}
	}()

	// A real deployment derives this from the external ECIES handshake's
	// shared secret (§6); until that collaborator is wired in, stretch
	// the local private key alone so the node has a working FrameCipher.
	cipherKey, err := p2p.DeriveFrameKey(cfg.PrivateKey.Bytes(), local.Id[:])
	if err != nil {
		return err
	}
	cipher, err := p2p.NewAESGCMFrameCipher(cipherKey)
	if err != nil {
		return err
	}

	managerCfg := p2p.ManagerConfig{
		MinPeers:       cfg.MinPeers,
		MaxPeers:       cfg.MaxPeers,
		LoopDelay:      cfg.LoopDelay,
		ConnectTimeout: cfg.ConnectTimeout,
		ResultWindow:   cfg.ResultWindow,
	}
	factories := []p2p.ProtocolFactory{p2p.NewDiscoveryFactory(kad)}
	manager := p2p.NewManager(local, p2p.TCPDialer{}, cipher, factories, kad, reg, managerCfg, log)
	mgr = manager

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	if err := manager.Start(addr); err != nil {
		return err
	}
	defer manager.Stop()

	manager.Bootstrap(cfg.BootstrapNodes)

	http.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", zap.String("addr", metricsURL))
	return http.ListenAndServe(metricsURL, nil)
}
