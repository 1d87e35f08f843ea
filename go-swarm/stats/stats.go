package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

type Stats interface {
	GetTrackerStats() (uploaded int64, downloaded int64, left int64)
	GetClientStats() (clientStats ClientStats)
	GetPeerStats() (peerStats map[string]PeerStat)
	UpdatePeer(id string, uploaded int, downloaded int)
	RemovePeer(id string)
	SetLeft(left int64)
	Tick()
}

// PONDERATION_TIME is the number of one second slots averaged into a rate.
const (
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	trackerStats *TrackerStats
	clientStats  *clientActivity
	peerStats    map[string]*peerActivity
	// transfer of removed peers not yet folded into the client rate
	pendingUpload   int
	pendingDownload int
}

type TrackerStats struct {
	TotalUpload   int64
	TotalDownload int64
	Left          int64
}

type ClientStats struct {
	UploadRate   int
	DownloadRate int
}

type PeerStat struct {
	UploadRate   int
	DownloadRate int
}

type activity struct {
	upload   [PONDERATION_TIME]int
	download [PONDERATION_TIME]int
	i        int
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// push records the current slot and returns the averaged rates.
func (a *activity) push(uploaded, downloaded int) (uploadRate int, downloadRate int) {
	a.upload[a.i] = uploaded
	a.download[a.i] = downloaded
	a.i = (a.i + 1) % PONDERATION_TIME
	underscore.Chain(a.upload[:]).Reduce(0, sumReduce).Value(&uploadRate)
	underscore.Chain(a.download[:]).Reduce(0, sumReduce).Value(&downloadRate)
	return uploadRate / PONDERATION_TIME, downloadRate / PONDERATION_TIME
}

type clientActivity struct {
	activity
	ClientStats
}

type peerActivity struct {
	activity
	PeerStat
	currentUpload   int
	currentDownload int
}

func NewStats(
	uploaded int64, downloaded int64, left int64) Stats {

	return &stats{
		trackerStats: &TrackerStats{
			TotalUpload:   uploaded,
			TotalDownload: downloaded,
			Left:          left,
		},
		clientStats: &clientActivity{},
		peerStats:   make(map[string]*peerActivity),
	}
}

func (s *stats) GetTrackerStats() (int64, int64, int64) {
	s.Lock()
	defer s.Unlock()

	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload, s.trackerStats.Left
}

func (s *stats) SetLeft(left int64) {
	s.Lock()
	defer s.Unlock()

	s.trackerStats.Left = left
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &peerActivity{}
		s.peerStats[id] = peerStat
	}
	peerStat.currentUpload += uploaded
	peerStat.currentDownload += downloaded
	s.trackerStats.TotalUpload += int64(uploaded)
	s.trackerStats.TotalDownload += int64(downloaded)
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	if peerStat, ok := s.peerStats[id]; ok {
		s.pendingUpload += peerStat.currentUpload
		s.pendingDownload += peerStat.currentDownload
		delete(s.peerStats, id)
	}
}

// Tick closes the current one second slot for every peer and the client.
func (s *stats) Tick() {
	s.Lock()
	defer s.Unlock()

	clientCurrentUpload := s.pendingUpload
	clientCurrentDownload := s.pendingDownload
	s.pendingUpload = 0
	s.pendingDownload = 0
	for _, peerStat := range s.peerStats {
		peerStat.UploadRate, peerStat.DownloadRate = peerStat.push(peerStat.currentUpload, peerStat.currentDownload)
		clientCurrentUpload += peerStat.currentUpload
		clientCurrentDownload += peerStat.currentDownload
		peerStat.currentUpload = 0
		peerStat.currentDownload = 0
	}
	s.clientStats.UploadRate, s.clientStats.DownloadRate = s.clientStats.push(clientCurrentUpload, clientCurrentDownload)
}

func (s *stats) GetClientStats() ClientStats {
	s.Lock()
	defer s.Unlock()

	return s.clientStats.ClientStats
}

func (s *stats) GetPeerStats() map[string]PeerStat {
	s.Lock()
	defer s.Unlock()

	peerStats := make(map[string]PeerStat, len(s.peerStats))
	for id, peerStat := range s.peerStats {
		peerStats[id] = peerStat.PeerStat
	}
	return peerStats
}
