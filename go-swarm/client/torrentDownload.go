package client

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/exchange"
	"github.com/iohzrd/thor/go-swarm/tracker"
)

// TorrentDownload is the handle of one running exchange.
type TorrentDownload struct {
	meta    content.Metadata
	co      *exchange.Coordinator
	tracker *tracker.Tracker
}

func NewTorrentDownload(meta content.Metadata, co *exchange.Coordinator, tr *tracker.Tracker) *TorrentDownload {
	return &TorrentDownload{meta: meta, co: co, tracker: tr}
}

func (d *TorrentDownload) ID() content.ID {
	return d.meta.ContentID()
}

func (d *TorrentDownload) Metadata() content.Metadata {
	return d.meta
}

func (d *TorrentDownload) InfoHashHex() string {
	key := d.ID().HandshakeKey()
	return hex.EncodeToString(key[:])
}

func (d *TorrentDownload) Name() string {
	if t, ok := d.meta.(*content.Torrent); ok {
		return t.MetaInfo.Info.Name
	}
	return d.ID().String()
}

func (d *TorrentDownload) Size() int64 {
	return d.co.Layout().Length()
}

func (d *TorrentDownload) NumPieces() int {
	return d.co.Layout().NumUnits()
}

func (d *TorrentDownload) Snapshot() exchange.Snapshot {
	return d.co.Snapshot()
}

func (d *TorrentDownload) Subscribe(interval time.Duration, fn func(exchange.Snapshot)) func() {
	return d.co.Subscribe(interval, fn)
}

// Wait blocks until every piece is downloaded and verified.
func (d *TorrentDownload) Wait(ctx context.Context) error {
	return d.co.Preload(ctx)
}

func (d *TorrentDownload) Get(ctx context.Context, index int) ([]byte, error) {
	return d.co.Get(ctx, index)
}

// Stop tells the trackers we are leaving. The exchange itself is stopped
// by the engine.
func (d *TorrentDownload) Stop(ctx context.Context) {
	if d.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, tracker.ANNOUNCE_TIMEOUT)
	defer cancel()
	d.tracker.Stop(ctx, d.ID())
}
