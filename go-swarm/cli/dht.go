package cli

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/iohzrd/thor/go-swarm/config"
	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/dht"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dhtTimeout time.Duration
	numWant    int
)

var dhtCmd = &cobra.Command{
	Use:   "dht",
	Short: "query the DHT",
}

var dhtPingCmd = &cobra.Command{
	Use:   "ping addr",
	Short: "ping a DHT node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return err
		}
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDHT(cfg, log)
		if err != nil {
			return err
		}
		defer d.Server().Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), dhtTimeout)
		defer cancel()
		start := time.Now()
		id, err := d.Ping(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s answered as %s in %s\n", addr, id, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var dhtProvidersCmd = &cobra.Command{
	Use:   "providers content-id",
	Short: "list providers of an info hash or CID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := content.ParseID(args[0])
		if err != nil {
			return err
		}
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDHT(cfg, log)
		if err != nil {
			return err
		}
		defer d.Server().Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), dhtTimeout)
		defer cancel()
		if err := bootstrap(ctx, d, cfg); err != nil {
			return err
		}
		found := 0
		for p := range d.FindProvidersAsync(ctx, id, numWant) {
			fmt.Fprintln(cmd.OutOrStdout(), p)
			found++
		}
		log.Infof("%d providers of %s", found, id)
		return nil
	},
}

// openDHT binds an ephemeral DHT socket so the command can run next to a
// running node.
func openDHT(cfg *config.Config, log *logrus.Logger) (*dht.Client, error) {
	codec, err := dht.CodecByName(cfg.DHT.Codec)
	if err != nil {
		return nil, err
	}
	server, err := dht.Listen("0.0.0.0:0", dht.RandomNodeID(), dht.ServerConfig{
		Codec:        codec,
		RPCTimeout:   cfg.DHT.RPCTimeout.Std(),
		StallTimeout: cfg.DHT.StallTimeout.Std(),
		MaxFailures:  cfg.DHT.MaxFailures,
		CacheSize:    cfg.DHT.ProviderCacheSize,
	}, log.WithField("component", "dht"))
	if err != nil {
		return nil, err
	}
	return dht.NewClient(server, dht.ClientConfig{Alpha: cfg.DHT.Alpha, K: cfg.DHT.K}), nil
}

func bootstrap(ctx context.Context, d *dht.Client, cfg *config.Config) error {
	addrs := []netip.AddrPort{}
	for _, s := range cfg.DHT.Bootstrap {
		addr, err := netip.ParseAddrPort(s)
		if err != nil {
			return fmt.Errorf("bootstrap node %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return d.Bootstrap(ctx, addrs)
}

func init() {
	dhtCmd.PersistentFlags().DurationVar(&dhtTimeout, "timeout", 30*time.Second, "give up after")
	dhtProvidersCmd.Flags().IntVarP(&numWant, "num", "n", 20, "stop after this many providers")

	dhtCmd.AddCommand(dhtPingCmd)
	dhtCmd.AddCommand(dhtProvidersCmd)
}
