package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iohzrd/thor/go-swarm/client"
	"github.com/iohzrd/thor/go-swarm/exchange"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var seed bool

var getCmd = &cobra.Command{
	Use:   "get torrent-file",
	Short: "download a torrent",
	Long:  `download the content of a .torrent file, then keep seeding it with --seed`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := client.NewClient(cfg, afero.NewOsFs(), log)
		if err := c.Start(ctx); err != nil {
			return err
		}
		defer c.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		d, err := c.AddTorrent(ctx, f)
		if err != nil {
			return err
		}

		bar := progressbar.DefaultBytes(d.Size(), "downloading "+d.Name())
		stop := d.Subscribe(cfg.Exchange.SnapshotInterval.Std(), func(s exchange.Snapshot) {
			bar.Set64(int64(s.PercentComplete / 100 * float64(d.Size())))
			bar.Describe(describe(d.Name(), s))
		})
		defer stop()

		if err := d.Wait(ctx); err != nil {
			return err
		}
		bar.Finish()
		log.WithField("content", d.ID().String()).Info("download complete")

		if seed {
			<-ctx.Done()
		}
		return nil
	},
}

func describe(name string, s exchange.Snapshot) string {
	return fmt.Sprintf("%s [%d peers, %d B/s up]", name, s.PeerCount, s.UploadBytesPerSec)
}

func init() {
	getCmd.Flags().BoolVar(&seed, "seed", false, "keep seeding after the download completes")
}
