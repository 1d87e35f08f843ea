package exchange

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/peer"
	"github.com/iohzrd/thor/go-swarm/routing"
	"github.com/iohzrd/thor/go-swarm/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, cfg EngineConfig) *Engine {
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Transport = "tcp"
	cfg.DataDir = "data"
	cfg.Logger = discardLogger()
	e := NewEngine(cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Close() })
	return e
}

// seededStore writes data for bl into fs and journals every unit.
func seededStore(t *testing.T, fs afero.Fs, bl *content.BlockList, data []byte) *storage.ResumeStore {
	s, err := storage.NewBlockStorage(fs, "data", bl)
	require.NoError(t, err)
	layout := content.NewLayout(bl)
	for _, u := range layout.Units() {
		require.NoError(t, s.WriteUnit(u, data[u.Offset:u.Offset+int64(u.Length)]))
	}
	require.NoError(t, s.Close())

	resume, err := storage.OpenResumeStore(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { resume.Close() })
	for _, u := range layout.Units() {
		require.NoError(t, resume.MarkVerified(bl.ContentID(), u.Index))
	}
	return resume
}

func TestEngineTransfersContent(t *testing.T) {
	data := testData(6)
	bl, err := content.BuildBlockList(data, testUnitSize)
	require.NoError(t, err)

	seedFs := afero.NewMemMapFs()
	seeder := startEngine(t, EngineConfig{
		Fs:       seedFs,
		Resume:   seededStore(t, seedFs, bl, data),
		Exchange: Config{ChokeInterval: 20 * time.Millisecond},
	})
	seed, err := seeder.StartExchange(context.Background(), bl)
	require.NoError(t, err)
	require.True(t, seed.Bitfield().Full())

	addr, err := netip.ParseAddrPort(seeder.Addr().String())
	require.NoError(t, err)
	leechFs := afero.NewMemMapFs()
	leecher := startEngine(t, EngineConfig{
		Fs:       leechFs,
		Routing:  routing.Static{{Addr: addr}},
		Exchange: Config{ChokeInterval: 20 * time.Millisecond},
	})
	leech, err := leecher.StartExchange(context.Background(), bl)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, leech.Preload(ctx))

	snap, err := leecher.Snapshot(bl.ContentID())
	require.NoError(t, err)
	assert.True(t, snap.Complete)
	assert.Equal(t, 6, snap.PiecesComplete)

	got, err := leech.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, unitData(data, 5), got)
}

func TestEngineExchangeLifecycle(t *testing.T) {
	bl, err := content.BuildBlockList(testData(2), testUnitSize)
	require.NoError(t, err)

	e := NewEngine(EngineConfig{Fs: afero.NewMemMapFs(), Logger: discardLogger()})
	_, err = e.StartExchange(context.Background(), bl)
	assert.ErrorIs(t, err, ErrNotStarted)

	e = startEngine(t, EngineConfig{Fs: afero.NewMemMapFs()})
	assert.False(t, e.LocalID().IsZero())
	_, err = e.StartExchange(context.Background(), bl)
	require.NoError(t, err)
	_, err = e.StartExchange(context.Background(), bl)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	updates := make(chan Snapshot, 1)
	cancel, err := e.Subscribe(bl.ContentID(), 10*time.Millisecond, func(s Snapshot) {
		select {
		case updates <- s:
		default:
		}
	})
	require.NoError(t, err)
	select {
	case s := <-updates:
		assert.Equal(t, 2, s.Total)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
	cancel()

	require.NoError(t, e.StopExchange(bl.ContentID()))
	_, err = e.Snapshot(bl.ContentID())
	assert.ErrorIs(t, err, ErrUnknownContent)
	assert.ErrorIs(t, e.StopExchange(bl.ContentID()), ErrUnknownContent)
}

func TestEngineDropsUnknownContent(t *testing.T) {
	e := startEngine(t, EngineConfig{Fs: afero.NewMemMapFs()})
	other := startEngine(t, EngineConfig{Fs: afero.NewMemMapFs()})

	bl, err := content.BuildBlockList(testData(1), testUnitSize)
	require.NoError(t, err)
	co, err := other.StartExchange(context.Background(), bl)
	require.NoError(t, err)

	c, err := co.Connect(routing.PeerAddr{Addr: netip.MustParseAddrPort(e.Addr().String())})
	require.NoError(t, err)
	select {
	case <-c.Done():
		assert.Error(t, c.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("connection to engine without the content stayed open")
	}
	assert.Equal(t, peer.Failed, c.State())
}

func TestEngineSubscribeWithoutInterval(t *testing.T) {
	bl, err := content.BuildBlockList(testData(2), testUnitSize)
	require.NoError(t, err)
	e := startEngine(t, EngineConfig{
		Fs:       afero.NewMemMapFs(),
		Exchange: Config{SnapshotInterval: 10 * time.Millisecond},
	})
	_, err = e.StartExchange(context.Background(), bl)
	require.NoError(t, err)

	for _, interval := range []time.Duration{0, -time.Second} {
		updates := make(chan Snapshot, 1)
		cancel, err := e.Subscribe(bl.ContentID(), interval, func(s Snapshot) {
			select {
			case updates <- s:
			default:
			}
		})
		require.NoError(t, err)
		select {
		case s := <-updates:
			assert.Equal(t, bl.ContentID(), s.ContentID)
		case <-time.After(time.Second):
			t.Fatalf("no snapshot delivered for interval %s", interval)
		}
		cancel()
	}
}

func TestEngineForgetsExchangeWhenContextEnds(t *testing.T) {
	bl, err := content.BuildBlockList(testData(2), testUnitSize)
	require.NoError(t, err)
	e := startEngine(t, EngineConfig{Fs: afero.NewMemMapFs()})

	ctx, cancel := context.WithCancel(context.Background())
	co, err := e.StartExchange(ctx, bl)
	require.NoError(t, err)
	cancel()

	select {
	case <-co.Stopped():
	case <-time.After(time.Second):
		t.Fatal("exchange still running after its context ended")
	}
	require.Eventually(t, func() bool {
		_, err := e.Snapshot(bl.ContentID())
		return errors.Is(err, ErrUnknownContent)
	}, time.Second, 10*time.Millisecond)

	restarted, err := e.StartExchange(context.Background(), bl)
	require.NoError(t, err)
	assert.NotSame(t, co, restarted)
	require.NoError(t, e.StopExchange(bl.ContentID()))
}

func TestEngineStartTwice(t *testing.T) {
	e := startEngine(t, EngineConfig{Fs: afero.NewMemMapFs()})
	addr := e.Addr().String()

	assert.ErrorIs(t, e.Start(context.Background()), ErrEngineStarted)
	assert.Equal(t, addr, e.Addr().String())
}
