package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/iohzrd/thor/go-swarm/peer"
	"github.com/iohzrd/thor/go-swarm/piece"
	"github.com/iohzrd/thor/go-swarm/routing"
	"github.com/iohzrd/thor/go-swarm/stats"
	"github.com/iohzrd/thor/go-swarm/storage"
	"github.com/iohzrd/thor/go-swarm/transport"
	"github.com/iohzrd/thor/go-swarm/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var (
	ErrStopped        = errors.New("exchange stopped")
	ErrUnitOutOfRange = errors.New("unit index out of range")
)

const (
	MAX_IN_FLIGHT      = 5
	ENDGAME_THRESHOLD  = 4
	REQUEST_TIMEOUT    = 60 * time.Second
	MAX_BAD_UNITS      = 3
	DISCOVERY_INTERVAL = 2 * time.Minute
	NUMWANT            = 50
	MAX_UPLOAD_QUEUE   = 256
	SNAPSHOT_INTERVAL  = time.Second
)

type Config struct {
	MaxInFlightPerPeer int
	EndgameThreshold   int
	RequestTimeout     time.Duration
	BlockSize          int
	Strategy           string
	MaxBadUnits        int
	ChokeInterval      time.Duration
	UploadSlots        int
	DiscoveryInterval  time.Duration
	NumWant            int
	// used by subscriptions asking for a non-positive interval
	SnapshotInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlightPerPeer <= 0 {
		c.MaxInFlightPerPeer = MAX_IN_FLIGHT
	}
	if c.EndgameThreshold < 0 {
		c.EndgameThreshold = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = REQUEST_TIMEOUT
	}
	if c.BlockSize <= 0 {
		c.BlockSize = content.BLOCK_SIZE
	}
	if c.MaxBadUnits <= 0 {
		c.MaxBadUnits = MAX_BAD_UNITS
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = DISCOVERY_INTERVAL
	}
	if c.NumWant <= 0 {
		c.NumWant = NUMWANT
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = SNAPSHOT_INTERVAL
	}
	return c
}

// Deps are the collaborators of one coordinator. Storage is required.
type Deps struct {
	Storage storage.Storage
	Resume  *storage.ResumeStore
	Routing routing.ContentRouting
	Stats   stats.Stats
	// Conn holds the connection settings shared by every peer of the pool.
	Conn   peer.Options
	Pool   peer.PoolConfig
	Logger *logrus.Entry
}

// Peer is the view of a connection the coordinator drives. *peer.Conn
// implements it.
type Peer interface {
	peer.Chokeable
	RemoteID() peer.ID
	CloseWithError(err error)
}

type peerState struct {
	have      *content.Bitfield
	bad       int
	lastPiece time.Time
	uploads   []wire.Request
}

type assembly struct {
	data         []byte
	received     map[int]bool
	remaining    int
	contributors mapset.Set[Peer]
}

type outgoing struct {
	to  Peer
	msg wire.Message
}

// Coordinator drives the exchange of one content item: it tracks what
// every connected peer holds, requests missing blocks, verifies and stores
// completed units and serves requests from others.
type Coordinator struct {
	id      content.ID
	layout  *content.Layout
	local   *content.Bitfield
	storage storage.Storage
	resume  *storage.ResumeStore
	routing routing.ContentRouting
	stats   stats.Stats
	picker  piece.Picker
	pool    *peer.Pool
	choke   peer.Choke
	cfg     Config
	log     *logrus.Entry

	mu         sync.Mutex
	wants      *WantList
	avail      *piece.Availability
	peers      map[Peer]*peerState
	assembling map[int]*assembly
	verifying  map[int]bool
	priority   map[int]bool
	waiters    map[int][]chan struct{}
	started    bool
	stopped    bool

	complete     chan struct{}
	completeOnce sync.Once
	uploadReady  chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewCoordinator(meta content.Metadata, cfg Config, deps Deps) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if deps.Storage == nil {
		return nil, xerrors.New("exchange needs storage")
	}
	picker, err := piece.ByName(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	layout := content.NewLayout(meta)
	if layout.NumUnits() == 0 {
		return nil, xerrors.Errorf("content %s has no units", meta.ContentID())
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewStats(0, 0, layout.Length())
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		id:          layout.ContentID(),
		layout:      layout,
		local:       content.NewBitfield(layout.NumUnits()),
		storage:     deps.Storage,
		resume:      deps.Resume,
		routing:     deps.Routing,
		stats:       deps.Stats,
		picker:      picker,
		cfg:         cfg,
		log:         deps.Logger.WithField("content", layout.ContentID().String()),
		wants:       NewWantList(),
		avail:       piece.NewAvailability(layout.NumUnits()),
		peers:       make(map[Peer]*peerState),
		assembling:  make(map[int]*assembly),
		verifying:   make(map[int]bool),
		priority:    make(map[int]bool),
		waiters:     make(map[int][]chan struct{}),
		complete:    make(chan struct{}),
		uploadReady: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	opts := deps.Conn
	opts.Content = co.id
	opts.Bitfield = co.local
	opts.Logger = co.log
	opts.Handlers = co.handlers()
	onReady := opts.OnReady
	opts.OnReady = func(c *peer.Conn) {
		co.AddPeer(c)
		if onReady != nil {
			onReady(c)
		}
	}
	onClosed := opts.OnClosed
	opts.OnClosed = func(c *peer.Conn, err error) {
		co.RemovePeer(c)
		if onClosed != nil {
			onClosed(c, err)
		}
	}
	co.pool = peer.NewPool(ctx, opts, deps.Pool)
	co.choke = peer.NewChoke(co.chokeables, co.stats, peer.ChokeConfig{
		Interval:  cfg.ChokeInterval,
		Slots:     cfg.UploadSlots,
		Seeding:   co.local.Full,
		LastPiece: co.lastPiece,
	}, co.log.WithField("component", "choke"))
	return co, nil
}

func (co *Coordinator) handlers() peer.Handlers {
	handle := func(c *peer.Conn, msg wire.Message) error {
		return co.handle(c, msg)
	}
	return peer.Handlers{
		wire.CHOKE:          handle,
		wire.UNCHOKE:        handle,
		wire.INTERESTED:     handle,
		wire.NOT_INTERESTED: handle,
		wire.HAVE:           handle,
		wire.BITFIELD:       handle,
		wire.REQUEST:        handle,
		wire.PIECE:          handle,
		wire.CANCEL:         handle,
	}
}

func (co *Coordinator) ID() content.ID {
	return co.id
}

func (co *Coordinator) Layout() *content.Layout {
	return co.layout
}

func (co *Coordinator) Bitfield() *content.Bitfield {
	return co.local
}

func (co *Coordinator) Pool() *peer.Pool {
	return co.pool
}

// Start rechecks journaled units and starts the background loops. The
// exchange stops when ctx is done or Stop is called.
func (co *Coordinator) Start(ctx context.Context) error {
	co.mu.Lock()
	if co.stopped {
		co.mu.Unlock()
		return ErrStopped
	}
	if co.started {
		co.mu.Unlock()
		return nil
	}
	co.started = true
	co.mu.Unlock()

	co.recheck()

	go func() {
		select {
		case <-ctx.Done():
			co.Stop()
		case <-co.ctx.Done():
		}
	}()
	go co.tickLoop()
	go co.uploadLoop()
	go co.choke.Start(co.ctx)
	if co.routing != nil {
		go co.discoveryLoop()
	}
	return nil
}

func (co *Coordinator) recheck() {
	if co.resume != nil {
		journaled, err := co.resume.Verified(co.id)
		if err != nil {
			co.log.WithError(err).Warn("reading resume journal")
		}
		verified := storage.Recheck(co.storage, co.layout, journaled)
		for _, index := range verified {
			content.MarkComplete(co.local, index)
		}
		if len(verified) < len(journaled) {
			co.log.Warnf("%d journaled units failed recheck", len(journaled)-len(verified))
		}
	}

	co.mu.Lock()
	co.stats.SetLeft(co.leftLocked())
	co.mu.Unlock()
	co.log.Infof("resuming with %d/%d units", co.local.Count(), co.local.Len())
	if co.local.Full() {
		co.completeOnce.Do(func() { close(co.complete) })
	}
}

// Stop closes every connection and ends the background loops. Storage is
// left to its owner.
func (co *Coordinator) Stop() {
	co.mu.Lock()
	if co.stopped {
		co.mu.Unlock()
		return
	}
	co.stopped = true
	co.mu.Unlock()

	co.cancel()
	co.pool.Close()
}

// Stopped is closed once the exchange stops, by Stop or by the end of the
// context given to Start.
func (co *Coordinator) Stopped() <-chan struct{} {
	return co.ctx.Done()
}

// Accept hands an inbound stream whose handshake was already read to the
// pool.
func (co *Coordinator) Accept(stream transport.Stream, hs *wire.Handshake) (*peer.Conn, error) {
	return co.pool.Accept(stream, hs)
}

// Connect dials a discovered provider unless it is already connected.
func (co *Coordinator) Connect(p routing.PeerAddr) (*peer.Conn, error) {
	return co.pool.GetOrCreate(peer.Key{Content: co.id, Peer: p.ID}, p.Addr.String())
}

// AddPeer registers a ready connection.
func (co *Coordinator) AddPeer(p Peer) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.stopped {
		return
	}
	if _, ok := co.peers[p]; !ok {
		co.peers[p] = &peerState{have: content.NewBitfield(co.layout.NumUnits())}
	}
}

// RemovePeer releases everything attributed to a closed connection.
func (co *Coordinator) RemovePeer(p Peer) {
	co.mu.Lock()
	ps, ok := co.peers[p]
	if !ok {
		co.mu.Unlock()
		return
	}
	delete(co.peers, p)
	co.avail.RemoveBitfield(ps.have)
	released := co.wants.ReleasePeer(p)
	out := co.fillAllLocked()
	co.mu.Unlock()

	co.log.WithField("peer", p.Addr()).Debugf("peer gone, released %d requests", len(released))
	co.stats.RemovePeer(p.Addr())
	co.send(out)
}

func (co *Coordinator) send(out []outgoing) {
	for _, o := range out {
		o.to.Post(o.msg)
	}
}

func (co *Coordinator) handle(p Peer, msg wire.Message) error {
	switch m := msg.(type) {
	case wire.Bitfield:
		return co.onBitfield(p, m)
	case wire.Have:
		return co.onHave(p, m)
	case wire.Unchoke:
		co.send(co.schedule(p))
	case wire.Choke:
		co.onChoke(p)
	case wire.Piece:
		return co.onPiece(p, m)
	case wire.Request:
		return co.onRequest(p, m)
	case wire.Cancel:
		co.onCancel(p, m)
	}
	return nil
}

func (co *Coordinator) peerLocked(p Peer) *peerState {
	ps, ok := co.peers[p]
	if !ok {
		ps = &peerState{have: content.NewBitfield(co.layout.NumUnits())}
		co.peers[p] = ps
	}
	return ps
}

func (co *Coordinator) onBitfield(p Peer, m wire.Bitfield) error {
	bf, err := content.BitfieldFromBytes(co.layout.NumUnits(), m.Bits)
	if err != nil {
		return &wire.ViolationError{Reason: err.Error()}
	}

	co.mu.Lock()
	if co.stopped {
		co.mu.Unlock()
		return nil
	}
	ps := co.peerLocked(p)
	co.avail.RemoveBitfield(ps.have)
	ps.have = bf
	co.avail.AddBitfield(bf)
	out := co.fillLocked(p)
	co.mu.Unlock()

	co.send(out)
	return nil
}

func (co *Coordinator) onHave(p Peer, m wire.Have) error {
	if m.Index < 0 || m.Index >= co.layout.NumUnits() {
		return &wire.ViolationError{Reason: "have index out of range"}
	}

	co.mu.Lock()
	if co.stopped {
		co.mu.Unlock()
		return nil
	}
	ps := co.peerLocked(p)
	if ps.have.Set(m.Index) {
		co.avail.Add(m.Index)
	}
	out := co.fillLocked(p)
	co.mu.Unlock()

	co.send(out)
	return nil
}

// onChoke drops the requests a choking peer will not answer so other peers
// can be asked.
func (co *Coordinator) onChoke(p Peer) {
	co.mu.Lock()
	co.wants.ReleasePeer(p)
	out := co.fillAllLocked()
	co.mu.Unlock()

	co.send(out)
}

func (co *Coordinator) schedule(p Peer) []outgoing {
	co.mu.Lock()
	defer co.mu.Unlock()

	return co.fillLocked(p)
}

func (co *Coordinator) fillAllLocked() []outgoing {
	out := []outgoing{}
	for p := range co.peers {
		out = append(out, co.fillLocked(p)...)
	}
	return out
}

// candidatesLocked lists the units ps holds that are still missing locally.
func (co *Coordinator) candidatesLocked(ps *peerState) []int {
	candidates := []int{}
	for _, index := range ps.have.Indices() {
		if !co.local.Has(index) && !co.verifying[index] {
			candidates = append(candidates, index)
		}
	}
	return candidates
}

func (co *Coordinator) orderLocked(candidates []int) []int {
	urgent, rest := []int{}, []int{}
	for _, index := range candidates {
		if co.priority[index] {
			urgent = append(urgent, index)
		} else {
			rest = append(rest, index)
		}
	}
	started := func(index int) bool {
		return co.assembling[index] != nil || co.wants.UnitRequested(index)
	}
	urgent = co.picker.Order(urgent, co.avail, started)
	return append(urgent, co.picker.Order(rest, co.avail, started)...)
}

// missingBlocksLocked lists the blocks of unit index not received yet.
func (co *Coordinator) missingBlocksLocked(index int) []Block {
	a := co.assembling[index]
	blocks := []Block{}
	for _, span := range co.layout.Blocks(index, co.cfg.BlockSize) {
		if a != nil && a.received[span.Begin] {
			continue
		}
		blocks = append(blocks, Block{Index: span.Index, Begin: span.Begin, Length: span.Length})
	}
	return blocks
}

func (co *Coordinator) endgameLocked() bool {
	missing := co.local.Len() - co.local.Count()
	return missing > 0 && missing <= co.cfg.EndgameThreshold
}

// fillLocked updates our interest in p and tops its requests up to the in
// flight limit. In endgame, blocks already requested elsewhere are
// requested again.
func (co *Coordinator) fillLocked(p Peer) []outgoing {
	ps, ok := co.peers[p]
	if !ok || co.stopped {
		return nil
	}
	out := []outgoing{}
	candidates := co.candidatesLocked(ps)
	switch {
	case len(candidates) > 0 && !p.ClientInterested():
		out = append(out, outgoing{p, wire.Interested{}})
	case len(candidates) == 0 && p.ClientInterested():
		out = append(out, outgoing{p, wire.NotInterested{}})
	}
	if len(candidates) == 0 || p.PeerChoking() {
		return out
	}
	slots := co.cfg.MaxInFlightPerPeer - co.wants.InFlight(p)
	if slots <= 0 {
		return out
	}

	order := co.orderLocked(candidates)
	now := time.Now()
	for pass := 0; pass < 2; pass++ {
		endgame := pass == 1
		if endgame && !co.endgameLocked() {
			break
		}
		for _, index := range order {
			for _, b := range co.missingBlocksLocked(index) {
				if co.wants.Has(p, b.Index, b.Begin) {
					continue
				}
				if !endgame && co.wants.Requested(b.Index, b.Begin) {
					continue
				}
				co.wants.Add(p, b, now)
				out = append(out, outgoing{p, wire.Request{Index: b.Index, Begin: b.Begin, Length: b.Length}})
				slots--
				if slots == 0 {
					return out
				}
			}
		}
	}
	return out
}

func (co *Coordinator) onPiece(p Peer, m wire.Piece) error {
	co.mu.Lock()
	ps, ok := co.peers[p]
	if !ok || co.stopped {
		co.mu.Unlock()
		return nil
	}
	b, ok := co.wants.Remove(p, m.Index, m.Begin)
	if !ok {
		co.mu.Unlock()
		co.log.WithField("peer", p.Addr()).Debugf("unrequested block %d+%d", m.Index, m.Begin)
		return nil
	}
	if len(m.Block) != b.Length {
		co.mu.Unlock()
		return &wire.ViolationError{Reason: "block length does not match request"}
	}
	ps.lastPiece = time.Now()
	co.stats.UpdatePeer(p.Addr(), 0, len(m.Block))

	out := []outgoing{}
	for _, other := range co.wants.Holders(m.Index, m.Begin) {
		co.wants.Remove(other, m.Index, m.Begin)
		out = append(out, outgoing{other, wire.Cancel{Index: b.Index, Begin: b.Begin, Length: b.Length}})
	}

	a, ok := co.assembling[m.Index]
	if !ok {
		u, _ := co.layout.Unit(m.Index)
		a = &assembly{
			data:         make([]byte, u.Length),
			received:     make(map[int]bool),
			remaining:    len(co.layout.Blocks(m.Index, co.cfg.BlockSize)),
			contributors: mapset.NewThreadUnsafeSet[Peer](),
		}
		co.assembling[m.Index] = a
	}
	if !a.received[m.Begin] {
		copy(a.data[m.Begin:], m.Block)
		a.received[m.Begin] = true
		a.remaining--
		a.contributors.Add(p)
	}
	if a.remaining > 0 {
		out = append(out, co.fillLocked(p)...)
		co.mu.Unlock()
		co.send(out)
		return nil
	}
	delete(co.assembling, m.Index)
	co.verifying[m.Index] = true
	co.mu.Unlock()

	co.send(out)
	co.completeUnit(m.Index, a)
	return nil
}

// completeUnit verifies and stores an assembled unit. A unit that fails
// verification is discarded and becomes requestable again.
func (co *Coordinator) completeUnit(index int, a *assembly) {
	u, _ := co.layout.Unit(index)
	verified := co.layout.Verify(index, a.data)
	var err error
	if verified {
		err = co.storage.WriteUnit(u, a.data)
	}

	co.mu.Lock()
	delete(co.verifying, index)
	if co.stopped {
		co.mu.Unlock()
		return
	}
	if !verified || err != nil {
		banned := []Peer{}
		if !verified {
			co.log.WithError(content.ErrVerificationFailure).Warnf("unit %d discarded", index)
			for _, c := range a.contributors.ToSlice() {
				if ps, ok := co.peers[c]; ok {
					ps.bad++
					if ps.bad >= co.cfg.MaxBadUnits {
						banned = append(banned, c)
					}
				}
			}
		} else {
			co.log.WithError(err).Errorf("writing unit %d", index)
		}
		out := co.fillAllLocked()
		co.mu.Unlock()

		co.send(out)
		for _, c := range banned {
			co.ban(c)
		}
		return
	}

	content.MarkComplete(co.local, index)
	out := []outgoing{}
	for other, blocks := range co.wants.DropUnit(index) {
		for _, b := range blocks {
			out = append(out, outgoing{other, wire.Cancel{Index: b.Index, Begin: b.Begin, Length: b.Length}})
		}
	}
	delete(co.priority, index)
	waiters := co.waiters[index]
	delete(co.waiters, index)
	for p := range co.peers {
		out = append(out, outgoing{p, wire.Have{Index: index}})
	}
	out = append(out, co.fillAllLocked()...)
	co.stats.SetLeft(co.leftLocked())
	full := co.local.Full()
	co.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if co.resume != nil {
		if err := co.resume.MarkVerified(co.id, index); err != nil {
			co.log.WithError(err).Warn("journaling unit")
		}
	}
	co.send(out)
	if full {
		co.completeOnce.Do(func() {
			close(co.complete)
			co.log.Info("download complete")
		})
	}
}

func (co *Coordinator) ban(p Peer) {
	co.log.WithField("peer", p.Addr()).Warn("banning peer for bad data")
	if c, ok := p.(*peer.Conn); ok {
		co.pool.Ban(c)
		return
	}
	p.CloseWithError(peer.ErrBanned)
}

func (co *Coordinator) leftLocked() int64 {
	var left int64
	for _, u := range co.layout.Units() {
		if !co.local.Has(u.Index) {
			left += int64(u.Length)
		}
	}
	return left
}

// sweep releases requests older than the request timeout, cancels them
// and asks again, possibly from other peers.
func (co *Coordinator) sweep(now time.Time) {
	co.mu.Lock()
	out := []outgoing{}
	for p, blocks := range co.wants.Expired(now, co.cfg.RequestTimeout) {
		for _, b := range blocks {
			out = append(out, outgoing{p, wire.Cancel{Index: b.Index, Begin: b.Begin, Length: b.Length}})
		}
	}
	if len(out) > 0 {
		out = append(out, co.fillAllLocked()...)
	}
	co.mu.Unlock()

	co.send(out)
}

func (co *Coordinator) tickLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sweepEvery := co.cfg.RequestTimeout / 2
	lastSweep := time.Now()
	for {
		select {
		case <-co.ctx.Done():
			return
		case now := <-ticker.C:
			co.stats.Tick()
			if now.Sub(lastSweep) >= sweepEvery {
				co.sweep(now)
				lastSweep = now
			}
		}
	}
}

func (co *Coordinator) chokeables() []peer.Chokeable {
	co.mu.Lock()
	defer co.mu.Unlock()

	peers := make([]peer.Chokeable, 0, len(co.peers))
	for p := range co.peers {
		peers = append(peers, p)
	}
	return peers
}

func (co *Coordinator) lastPiece(addr string) time.Time {
	co.mu.Lock()
	defer co.mu.Unlock()

	for p, ps := range co.peers {
		if p.Addr() == addr {
			return ps.lastPiece
		}
	}
	return time.Time{}
}

func (co *Coordinator) discoveryLoop() {
	ticker := time.NewTicker(co.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		if err := co.routing.Provide(co.ctx, co.id); err != nil {
			co.log.WithError(err).Debug("announcing")
		}
		found := 0
		for p := range co.routing.FindProvidersAsync(co.ctx, co.id, co.cfg.NumWant) {
			if _, err := co.Connect(p); err != nil {
				co.log.WithError(err).WithField("peer", p).Debug("connecting to provider")
				continue
			}
			found++
		}
		co.log.Debugf("discovery found %d providers", found)

		select {
		case <-co.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
