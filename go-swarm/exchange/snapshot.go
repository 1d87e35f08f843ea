package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
)

// Snapshot is the read-only progress view of one exchange.
type Snapshot struct {
	ContentID         content.ID
	PercentComplete   float64
	PiecesComplete    int
	Total             int
	PeerCount         int
	RateBytesPerSec   int
	UploadBytesPerSec int
	Complete          bool
}

func (co *Coordinator) Snapshot() Snapshot {
	co.mu.Lock()
	peers := len(co.peers)
	co.mu.Unlock()

	rates := co.stats.GetClientStats()
	return Snapshot{
		ContentID:         co.id,
		PercentComplete:   content.PercentComplete(co.local),
		PiecesComplete:    content.PiecesComplete(co.local),
		Total:             co.local.Len(),
		PeerCount:         peers,
		RateBytesPerSec:   rates.DownloadRate,
		UploadBytesPerSec: rates.UploadRate,
		Complete:          co.local.Full(),
	}
}

// Subscribe calls fn with a fresh snapshot every interval until the returned
// cancel func is called or the exchange stops. A non-positive interval
// falls back to the configured snapshot interval.
func (co *Coordinator) Subscribe(interval time.Duration, fn func(Snapshot)) (cancel func()) {
	if interval <= 0 {
		interval = co.cfg.SnapshotInterval
	}
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return
			case <-co.ctx.Done():
				return
			case <-ticker.C:
				fn(co.Snapshot())
			}
		}
	}()
	return func() {
		once.Do(func() { close(quit) })
	}
}

// Get returns the bytes of unit index, fetching it ahead of other units
// when it is still missing.
func (co *Coordinator) Get(ctx context.Context, index int) ([]byte, error) {
	u, ok := co.layout.Unit(index)
	if !ok {
		return nil, ErrUnitOutOfRange
	}

	co.mu.Lock()
	if co.stopped {
		co.mu.Unlock()
		return nil, ErrStopped
	}
	if !co.local.Has(index) {
		ch := make(chan struct{})
		co.waiters[index] = append(co.waiters[index], ch)
		co.priority[index] = true
		out := co.fillAllLocked()
		co.mu.Unlock()

		co.send(out)
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-co.ctx.Done():
			return nil, ErrStopped
		}
	} else {
		co.mu.Unlock()
	}
	return co.storage.ReadUnit(u)
}

// Preload blocks until every unit is complete.
func (co *Coordinator) Preload(ctx context.Context) error {
	select {
	case <-co.complete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-co.ctx.Done():
		return ErrStopped
	}
}

// Done is closed once every unit is complete.
func (co *Coordinator) Done() <-chan struct{} {
	return co.complete
}
