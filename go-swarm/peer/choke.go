package peer

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/iohzrd/thor/go-swarm/stats"
	"github.com/iohzrd/thor/go-swarm/wire"
	"github.com/sirupsen/logrus"
)

const (
	SNUBBED_PERIOD = 60 * time.Second
	CHOKE_INTERVAL = 10 * time.Second
	DOWNLOADERS    = 4
)

// Chokeable is the view of a connection the choker needs. *Conn implements it.
type Chokeable interface {
	Addr() string
	PeerInterested() bool
	PeerChoking() bool
	ClientInterested() bool
	ClientChoking() bool
	Post(msg wire.Message) error
}

type PeerInfo struct {
	peer          Chokeable
	speed         int
	shouldUnchoke bool
	snubbedClient bool
}

type ChokeConfig struct {
	Interval  time.Duration
	Slots     int
	Seeding   func() bool
	LastPiece func(addr string) time.Time
}

type Choke interface {
	Start(ctx context.Context)
	Choke()
}

type choke struct {
	peers  func() []Chokeable
	stats  stats.Stats
	config ChokeConfig
	log    *logrus.Entry
}

func NewChoke(
	peers func() []Chokeable,
	stats stats.Stats,
	config ChokeConfig,
	log *logrus.Entry) Choke {

	if config.Interval <= 0 {
		config.Interval = CHOKE_INTERVAL
	}
	if config.Slots <= 0 {
		config.Slots = DOWNLOADERS
	}
	return &choke{
		peers:  peers,
		stats:  stats,
		config: config,
		log:    log,
	}
}

func sortBySpeed(peers []*PeerInfo) {
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

// Choke unchokes the fastest interested peers, every uninterested peer that
// is faster still, and one optimistic pick among the remaining interested.
func (c *choke) Choke() {
	peers := c.peers()
	peerStats := c.stats.GetPeerStats()
	seeding := c.config.Seeding != nil && c.config.Seeding()

	// Partition interested and uninterested peers
	peerInfos := make([]*PeerInfo, 0, len(peers))
	interested := make([]*PeerInfo, 0)
	notInterested := make([]*PeerInfo, 0)
	for _, p := range peers {
		peerInfo := &PeerInfo{peer: p}
		if peerStat, ok := peerStats[p.Addr()]; ok {
			if seeding {
				peerInfo.speed = peerStat.UploadRate
			} else {
				peerInfo.speed = peerStat.DownloadRate
			}
		}
		if p.ClientInterested() && !p.PeerChoking() && c.config.LastPiece != nil {
			if time.Since(c.config.LastPiece(p.Addr())) > SNUBBED_PERIOD {
				peerInfo.snubbedClient = true
			}
		}
		if p.PeerInterested() && !peerInfo.snubbedClient {
			interested = append(interested, peerInfo)
		} else {
			notInterested = append(notInterested, peerInfo)
		}
		peerInfos = append(peerInfos, peerInfo)
	}

	// Sort in descending order of speed
	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// keep the fastest interested peers unchoked so they keep uploading to us
	speedThreshold := 0
	regular := c.config.Slots - 1
	for i := 0; i < len(interested) && i < regular; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// uninterested peers faster than the slowest regular slot stay unchoked
	// so they can pick us once they become interested
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// optimistically unchoke a single interested peer
	if len(interested) > regular {
		rest := interested[regular:]
		rest[rand.Intn(len(rest))].shouldUnchoke = true
	}

	// apply unchoke/choke
	for _, peerInfo := range peerInfos {
		p := peerInfo.peer
		if peerInfo.shouldUnchoke && p.ClientChoking() {
			c.log.WithField("peer", p.Addr()).Debug("unchoke")
			p.Post(wire.Unchoke{})
		}
		if !peerInfo.shouldUnchoke && !p.ClientChoking() {
			c.log.WithField("peer", p.Addr()).Debug("choke")
			p.Post(wire.Choke{})
		}
	}
}

func (c *choke) Start(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Choke()
		}
	}
}
