package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/iohzrd/thor/go-swarm/routing"
	bencode "github.com/jackpal/bencode-go"
)

type httpAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int32  `bencode:"interval"`
	Leechers      int32  `bencode:"incomplete"`
	Seeders       int32  `bencode:"complete"`
	Peers         string `bencode:"peers"`
}

func queryHTTPTracker(ctx context.Context, client *http.Client, trackerURL string, req AnnounceRequest) (*AnnounceResponse, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("trackerURL not an absolute URL")
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("key", strconv.Itoa(int(req.Key)))
	switch req.Event {
	case COMPLETED:
		q.Set("event", "completed")
	case STARTED:
		q.Set("event", "started")
	case STOPPED:
		q.Set("event", "stopped")
	}
	q.Set("numwant", strconv.Itoa(int(req.NumWant)))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", resp.Status)
	}

	announceResp := httpAnnounceResponse{}
	if err := bencode.Unmarshal(resp.Body, &announceResp); err != nil {
		return nil, err
	}
	if announceResp.FailureReason != "" {
		return nil, errors.New(announceResp.FailureReason)
	}
	return &AnnounceResponse{
		Interval: time.Duration(announceResp.Interval) * time.Second,
		Leechers: announceResp.Leechers,
		Seeders:  announceResp.Seeders,
		Peers:    routing.ParseCompact([]byte(announceResp.Peers)),
	}, nil
}
