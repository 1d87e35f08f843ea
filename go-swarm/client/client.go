package client

import (
	"context"
	"encoding/hex"
	"io"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/iohzrd/thor/go-swarm/config"
	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/dht"
	"github.com/iohzrd/thor/go-swarm/exchange"
	"github.com/iohzrd/thor/go-swarm/peer"
	"github.com/iohzrd/thor/go-swarm/routing"
	"github.com/iohzrd/thor/go-swarm/stats"
	"github.com/iohzrd/thor/go-swarm/storage"
	"github.com/iohzrd/thor/go-swarm/tracker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

const CLIENT_NAME = "thor 0.1"

// Client is a node: one engine, its DHT and the torrents it keeps under
// its storage path.
type Client struct {
	cfg          *config.Config
	fs           afero.Fs
	log          *logrus.Entry
	torrentsPath string
	dataPath     string

	engine *exchange.Engine
	dht    *dht.Client
	resume *storage.ResumeStore

	mu        sync.Mutex
	downloads map[content.ID]*TorrentDownload
	trackers  map[content.ID]*tracker.Tracker
}

func NewClient(cfg *config.Config, fs afero.Fs, log *logrus.Logger) *Client {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Client{
		cfg:          cfg,
		fs:           fs,
		log:          log.WithField("component", "client"),
		torrentsPath: filepath.Join(cfg.Node.DataDir, "torrent"),
		dataPath:     filepath.Join(cfg.Node.DataDir, "data"),
		downloads:    make(map[content.ID]*TorrentDownload),
		trackers:     make(map[content.ID]*tracker.Tracker),
	}
}

// Start opens the resume journal, joins the DHT, binds the peer listener
// and resumes every stored torrent.
func (c *Client) Start(ctx context.Context) error {
	for _, dir := range []string{c.torrentsPath, c.dataPath} {
		if err := c.fs.MkdirAll(dir, 0755); err != nil {
			return xerrors.Errorf("creating %s: %w", dir, err)
		}
	}

	if c.cfg.Node.ResumeDB != "" {
		resume, err := storage.OpenResumeStore(c.cfg.Node.ResumeDB)
		if err != nil {
			return err
		}
		c.resume = resume
	}

	var shared routing.ContentRouting
	if c.cfg.DHT.Enable {
		d, err := c.startDHT(ctx)
		if err != nil {
			return err
		}
		c.dht = d
		shared = d
	}

	c.engine = exchange.NewEngine(c.engineConfig(shared))
	if err := c.engine.Start(ctx); err != nil {
		return err
	}
	c.log.WithField("addr", c.engine.Addr()).Info("listening for peers")
	return c.loadTorrents(ctx)
}

func (c *Client) startDHT(ctx context.Context) (*dht.Client, error) {
	codec, err := dht.CodecByName(c.cfg.DHT.Codec)
	if err != nil {
		return nil, err
	}
	server, err := dht.Listen(c.cfg.DHT.ListenAddr, dht.RandomNodeID(), dht.ServerConfig{
		Codec:        codec,
		RPCTimeout:   c.cfg.DHT.RPCTimeout.Std(),
		StallTimeout: c.cfg.DHT.StallTimeout.Std(),
		MaxFailures:  c.cfg.DHT.MaxFailures,
		CacheSize:    c.cfg.DHT.ProviderCacheSize,
	}, c.log.Logger.WithField("component", "dht"))
	if err != nil {
		return nil, xerrors.Errorf("starting dht: %w", err)
	}
	port, _ := splitPort(c.cfg.Net.ListenAddr)
	d := dht.NewClient(server, dht.ClientConfig{Alpha: c.cfg.DHT.Alpha, K: c.cfg.DHT.K, Port: port})

	addrs := []netip.AddrPort{}
	for _, s := range c.cfg.DHT.Bootstrap {
		addr, err := netip.ParseAddrPort(s)
		if err != nil {
			c.log.WithError(err).Warnf("skipping bootstrap node %s", s)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) > 0 {
		if err := d.Bootstrap(ctx, addrs); err != nil {
			c.log.WithError(err).Warn("dht bootstrap")
		}
	}
	return d, nil
}

func splitPort(addr string) (int, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return 0, err
	}
	return int(ap.Port()), nil
}

func (c *Client) engineConfig(shared routing.ContentRouting) exchange.EngineConfig {
	cfg := c.cfg
	return exchange.EngineConfig{
		LocalID:    peer.NewID(cfg.Node.PeerIDPrefix),
		ListenAddr: cfg.Net.ListenAddr,
		Transport:  cfg.Net.Transport,
		DataDir:    c.dataPath,
		Fs:         c.fs,
		Exchange: exchange.Config{
			MaxInFlightPerPeer: cfg.Exchange.MaxInFlightPerPeer,
			EndgameThreshold:   cfg.Exchange.EndgameThreshold,
			RequestTimeout:     cfg.Exchange.RequestTimeout.Std(),
			BlockSize:          cfg.Exchange.BlockSize,
			Strategy:           cfg.Exchange.Strategy,
			MaxBadUnits:        cfg.Exchange.MaxBadUnits,
			ChokeInterval:      cfg.Exchange.ChokeInterval.Std(),
			SnapshotInterval:   cfg.Exchange.SnapshotInterval.Std(),
			UploadSlots:        cfg.Exchange.UploadSlots,
			DiscoveryInterval:  cfg.Exchange.DiscoveryInterval.Std(),
		},
		Pool: peer.PoolConfig{
			MaxPeers:    cfg.Net.MaxConnections,
			TieBreak:    peer.TieBreakByName(cfg.Net.TieBreak),
			IdleTimeout: cfg.Net.InactivityTimeout.Std(),
		},
		Conn: peer.Options{
			Client:           CLIENT_NAME,
			DialTimeout:      cfg.Net.DialTimeout.Std(),
			HandshakeTimeout: cfg.Net.HandshakeTimeout.Std(),
			IdleTimeout:      cfg.Net.InactivityTimeout.Std(),
			KeepAlive:        cfg.Net.KeepAlive.Std(),
		},
		Resume:     c.resume,
		Routing:    shared,
		RoutingFor: c.trackerFor,
		Logger:     c.log.Logger.WithField("component", "exchange"),
	}
}

// trackerFor announces torrents to their own trackers plus the configured
// ones.
func (c *Client) trackerFor(meta content.Metadata, st stats.Stats, port int) routing.ContentRouting {
	urls := append([]string{}, c.cfg.Trackers.URLs...)
	if t, ok := meta.(*content.Torrent); ok {
		urls = append(t.Trackers(), urls...)
	}
	if len(urls) == 0 {
		return nil
	}
	tr := tracker.NewTracker(tracker.Config{
		URLs:   urls,
		PeerID: c.engine.LocalID(),
		Port:   port,
	}, st, c.log.Logger.WithField("content", meta.ContentID().String()))

	c.mu.Lock()
	c.trackers[meta.ContentID()] = tr
	c.mu.Unlock()
	return tr
}

// loadTorrents resumes every torrent file kept under the storage path.
func (c *Client) loadTorrents(ctx context.Context) error {
	files, err := afero.ReadDir(c.fs, c.torrentsPath)
	if err != nil {
		return xerrors.Errorf("listing torrents: %w", err)
	}
	for _, f := range files {
		file, err := c.fs.Open(filepath.Join(c.torrentsPath, f.Name()))
		if err != nil {
			return err
		}
		_, err = c.addTorrent(ctx, file)
		file.Close()
		if err != nil {
			c.log.WithError(err).Warnf("resuming %s", f.Name())
		}
	}
	return nil
}

// AddTorrent starts exchanging the torrent read from torrentReader and
// keeps the file so the torrent is resumed on the next start.
func (c *Client) AddTorrent(ctx context.Context, torrentReader io.ReadSeeker) (*TorrentDownload, error) {
	d, err := c.addTorrent(ctx, torrentReader)
	if err != nil {
		return nil, err
	}
	if err := c.saveTorrent(torrentReader, d.InfoHashHex()); err != nil {
		c.log.WithError(err).Warn("saving torrent file")
	}
	return d, nil
}

func (c *Client) addTorrent(ctx context.Context, torrentReader io.ReadSeeker) (*TorrentDownload, error) {
	tor, err := content.ParseTorrent(torrentReader)
	if err != nil {
		return nil, xerrors.Errorf("parsing torrent: %w", err)
	}
	return c.Add(ctx, tor)
}

// Add starts exchanging any content item, torrent or block list.
func (c *Client) Add(ctx context.Context, meta content.Metadata) (*TorrentDownload, error) {
	if c.engine == nil {
		return nil, exchange.ErrNotStarted
	}
	co, err := c.engine.StartExchange(ctx, meta)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	d := NewTorrentDownload(meta, co, c.trackers[meta.ContentID()])
	c.downloads[meta.ContentID()] = d
	c.mu.Unlock()
	return d, nil
}

func (c *Client) saveTorrent(torrentReader io.ReadSeeker, infoHashHex string) error {
	if _, err := torrentReader.Seek(0, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(torrentReader)
	if err != nil {
		return err
	}
	return afero.WriteFile(c.fs, filepath.Join(c.torrentsPath, infoHashHex), data, 0644)
}

func (c *Client) Download(id content.ID) (*TorrentDownload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.downloads[id]
	return d, ok
}

// RemoveTorrent stops the exchange of id and forgets its torrent file and
// journal. Downloaded data stays unless removeData is set.
func (c *Client) RemoveTorrent(ctx context.Context, id content.ID, removeData bool) error {
	c.mu.Lock()
	d, ok := c.downloads[id]
	delete(c.downloads, id)
	delete(c.trackers, id)
	c.mu.Unlock()
	if !ok {
		return xerrors.Errorf("%s: %w", id, exchange.ErrUnknownContent)
	}

	d.Stop(ctx)
	if err := c.engine.StopExchange(id); err != nil {
		return err
	}
	key := id.HandshakeKey()
	if err := c.fs.Remove(filepath.Join(c.torrentsPath, hex.EncodeToString(key[:]))); err != nil && !xerrors.Is(err, afero.ErrFileNotFound) {
		c.log.WithError(err).Debug("removing torrent file")
	}
	if c.resume != nil {
		if err := c.resume.Forget(id); err != nil {
			return err
		}
	}
	if removeData {
		if t, ok := d.Metadata().(*content.Torrent); ok {
			return c.fs.RemoveAll(filepath.Join(c.dataPath, t.MetaInfo.Info.Name))
		}
	}
	return nil
}

func (c *Client) Engine() *exchange.Engine {
	return c.engine
}

// DHT is nil when the DHT is disabled.
func (c *Client) DHT() *dht.Client {
	return c.dht
}

func (c *Client) Close() error {
	c.mu.Lock()
	downloads := make([]*TorrentDownload, 0, len(c.downloads))
	for _, d := range c.downloads {
		downloads = append(downloads, d)
	}
	c.mu.Unlock()
	for _, d := range downloads {
		d.Stop(context.Background())
	}

	var err error
	if c.engine != nil {
		err = c.engine.Close()
	}
	if c.dht != nil {
		c.dht.Server().Close()
	}
	if c.resume != nil {
		c.resume.Close()
	}
	return err
}
