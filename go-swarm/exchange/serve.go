package exchange

import (
	"github.com/iohzrd/thor/go-swarm/wire"
)

func (co *Coordinator) onRequest(p Peer, m wire.Request) error {
	if m.Length <= 0 || m.Length > wire.MAX_BLOCK_LENGTH {
		return &wire.ViolationError{Reason: "bad request length"}
	}
	if _, ok := co.layout.Unit(m.Index); !ok {
		return &wire.ViolationError{Reason: "request index out of range"}
	}

	co.mu.Lock()
	ps, ok := co.peers[p]
	if !ok || co.stopped || p.ClientChoking() || !co.local.Has(m.Index) {
		co.mu.Unlock()
		return nil
	}
	if len(ps.uploads) >= MAX_UPLOAD_QUEUE {
		co.mu.Unlock()
		return &wire.ViolationError{Reason: "too many queued requests"}
	}
	ps.uploads = append(ps.uploads, m)
	co.mu.Unlock()

	select {
	case co.uploadReady <- struct{}{}:
	default:
	}
	return nil
}

func (co *Coordinator) onCancel(p Peer, m wire.Cancel) {
	co.mu.Lock()
	defer co.mu.Unlock()

	ps, ok := co.peers[p]
	if !ok {
		return
	}
	for i, req := range ps.uploads {
		if req.Index == m.Index && req.Begin == m.Begin && req.Length == m.Length {
			ps.uploads = append(ps.uploads[:i], ps.uploads[i+1:]...)
			return
		}
	}
}

// nextUpload pops one queued request. Queues of peers we choke are dropped.
func (co *Coordinator) nextUpload() (Peer, wire.Request, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()

	for p, ps := range co.peers {
		if len(ps.uploads) == 0 {
			continue
		}
		if p.ClientChoking() {
			ps.uploads = nil
			continue
		}
		req := ps.uploads[0]
		ps.uploads = ps.uploads[1:]
		return p, req, true
	}
	return nil, wire.Request{}, false
}

func (co *Coordinator) serve(p Peer, req wire.Request) {
	u, ok := co.layout.Unit(req.Index)
	if !ok {
		return
	}
	data, err := co.storage.ReadBlock(u, req.Begin, req.Length)
	if err != nil {
		co.log.WithError(err).WithField("peer", p.Addr()).Debug("serving request")
		return
	}
	if err := p.Post(wire.Piece{Index: req.Index, Begin: req.Begin, Block: data}); err == nil {
		co.stats.UpdatePeer(p.Addr(), len(data), 0)
	}
}

func (co *Coordinator) uploadLoop() {
	for {
		select {
		case <-co.ctx.Done():
			return
		case <-co.uploadReady:
		}
		for {
			p, req, ok := co.nextUpload()
			if !ok {
				break
			}
			co.serve(p, req)
		}
	}
}
