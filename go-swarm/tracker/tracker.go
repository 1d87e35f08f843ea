package tracker

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/peer"
	"github.com/iohzrd/thor/go-swarm/routing"
	"github.com/iohzrd/thor/go-swarm/stats"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type Event int32

const (
	NONE      Event = 0
	COMPLETED Event = 1
	STARTED   Event = 2
	STOPPED   Event = 3
)

const (
	NUMWANT          = 50
	ANNOUNCE_TIMEOUT = 15 * time.Second
)

var ErrUnsupportedScheme = errors.New("unsupported tracker scheme")

type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     peer.ID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	Key        int32
	NumWant    int32
}

type AnnounceResponse struct {
	Interval time.Duration
	Leechers int32
	Seeders  int32
	Peers    []routing.PeerAddr
}

type Config struct {
	URLs       []string
	PeerID     peer.ID
	Port       int
	NumWant    int
	HTTPClient *http.Client
}

// Tracker announces torrent content to its trackers and reports the peers
// they return. It implements routing.ContentRouting for torrent content.
type Tracker struct {
	config Config
	key    int32
	stats  stats.Stats
	log    *logrus.Entry

	mu       sync.Mutex
	interval time.Duration
	started  map[content.ID]bool
}

func genKey() int32 {
	return rand.Int31()
}

func NewTracker(config Config, stats stats.Stats, log *logrus.Entry) *Tracker {
	if config.NumWant <= 0 {
		config.NumWant = NUMWANT
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: ANNOUNCE_TIMEOUT}
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Tracker{
		config:  config,
		key:     genKey(),
		stats:   stats,
		log:     log.WithField("component", "tracker"),
		started: make(map[content.ID]bool),
	}
}

func (tr *Tracker) request(id content.ID, event Event) AnnounceRequest {
	req := AnnounceRequest{
		InfoHash: id.HandshakeKey(),
		PeerID:   tr.config.PeerID,
		Port:     tr.config.Port,
		Event:    event,
		Key:      tr.key,
		NumWant:  int32(tr.config.NumWant),
	}
	if tr.stats != nil {
		req.Uploaded, req.Downloaded, req.Left = tr.stats.GetTrackerStats()
	}
	return req
}

// Announce sends req to the tracker at trackerURL.
func (tr *Tracker) Announce(ctx context.Context, trackerURL string, req AnnounceRequest) (*AnnounceResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ANNOUNCE_TIMEOUT)
	defer cancel()

	var resp *AnnounceResponse
	var err error
	switch {
	case strings.HasPrefix(trackerURL, "udp://"):
		resp, err = queryUDPTracker(ctx, trackerURL, req)
	case strings.HasPrefix(trackerURL, "http://"), strings.HasPrefix(trackerURL, "https://"):
		resp, err = queryHTTPTracker(ctx, tr.config.HTTPClient, trackerURL, req)
	default:
		return nil, xerrors.Errorf("%s: %w", trackerURL, ErrUnsupportedScheme)
	}
	if err != nil {
		return nil, xerrors.Errorf("announce to %s: %w", trackerURL, err)
	}
	if resp.Interval > 0 {
		tr.mu.Lock()
		tr.interval = resp.Interval
		tr.mu.Unlock()
	}
	return resp, nil
}

// Interval is the re-announce interval last requested by a tracker.
func (tr *Tracker) Interval() time.Duration {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return tr.interval
}

func (tr *Tracker) event(id content.ID) Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.started[id] {
		return NONE
	}
	tr.started[id] = true
	return STARTED
}

// FindProvidersAsync announces to each tracker in order and yields the
// peers they return.
func (tr *Tracker) FindProvidersAsync(ctx context.Context, id content.ID, count int) <-chan routing.PeerAddr {
	out := make(chan routing.PeerAddr)
	if id.Kind() != content.KindTorrent || len(tr.config.URLs) == 0 {
		close(out)
		return out
	}
	event := tr.event(id)

	go func() {
		defer close(out)
		found := 0
		for _, trackerURL := range tr.config.URLs {
			resp, err := tr.Announce(ctx, trackerURL, tr.request(id, event))
			if err != nil {
				tr.log.WithError(err).Debug("announce failed")
				continue
			}
			tr.log.WithField("tracker", trackerURL).Debugf("%d peers", len(resp.Peers))
			for _, p := range resp.Peers {
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
				found++
				if count > 0 && found >= count {
					return
				}
			}
		}
	}()
	return out
}

// Provide announces the local node to every tracker. It succeeds when any
// tracker accepted the announce.
func (tr *Tracker) Provide(ctx context.Context, id content.ID) error {
	return tr.announceAll(ctx, id, tr.event(id))
}

// Stop sends the stopped event for id.
func (tr *Tracker) Stop(ctx context.Context, id content.ID) error {
	tr.mu.Lock()
	delete(tr.started, id)
	tr.mu.Unlock()
	return tr.announceAll(ctx, id, STOPPED)
}

func (tr *Tracker) announceAll(ctx context.Context, id content.ID, event Event) error {
	if id.Kind() != content.KindTorrent {
		return nil
	}
	var last error
	for _, trackerURL := range tr.config.URLs {
		if _, err := tr.Announce(ctx, trackerURL, tr.request(id, event)); err != nil {
			last = err
			continue
		}
		return nil
	}
	return last
}
