package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/iohzrd/thor/go-swarm/routing"
)

const (
	udpProtocolID     = 0x41727101980 // magic constant
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent
func queryUDPTracker(ctx context.Context, trackerURL string, req AnnounceRequest) (*AnnounceResponse, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", u.Host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	connectionID, err := connectUDP(conn)
	if err != nil {
		return nil, err
	}
	return announceUDP(conn, connectionID, req)
}

func readUDPResponse(conn net.Conn, action, transactionID int32, minLength int) (*bytes.Buffer, error) {
	data := make([]byte, 2048)
	n, err := conn.Read(data)
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, fmt.Errorf("Malformed response body")
	}
	resp := bytes.NewBuffer(data[:n])

	var actionResp, transactionIDResp int32
	binary.Read(resp, binary.BigEndian, &actionResp)
	binary.Read(resp, binary.BigEndian, &transactionIDResp)
	if transactionID != transactionIDResp {
		return nil, fmt.Errorf("transactionID doesn't match")
	}
	if actionResp == udpActionError {
		return nil, fmt.Errorf("tracker error: %s", resp.String())
	}
	if actionResp != action {
		return nil, fmt.Errorf("unexpected action %d in response", actionResp)
	}
	if n < minLength {
		return nil, fmt.Errorf("Malformed response body")
	}
	return resp, nil
}

func connectUDP(conn net.Conn) (int64, error) {
	// Connection Request
	connectRequest := &bytes.Buffer{}
	binary.Write(connectRequest, binary.BigEndian, int64(udpProtocolID))
	binary.Write(connectRequest, binary.BigEndian, int32(udpActionConnect))
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	if _, err := conn.Write(connectRequest.Bytes()); err != nil {
		return 0, err
	}

	connectResponse, err := readUDPResponse(conn, udpActionConnect, transactionID, 16)
	if err != nil {
		return 0, err
	}
	var connectionID int64
	binary.Read(connectResponse, binary.BigEndian, &connectionID)
	return connectionID, nil
}

func announceUDP(conn net.Conn, connectionID int64, req AnnounceRequest) (*AnnounceResponse, error) {
	// Announce Request
	announceRequest := &bytes.Buffer{}
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	binary.Write(announceRequest, binary.BigEndian, int32(udpActionAnnounce))
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	binary.Write(announceRequest, binary.BigEndian, req.InfoHash)
	binary.Write(announceRequest, binary.BigEndian, req.PeerID)
	binary.Write(announceRequest, binary.BigEndian, req.Downloaded)
	binary.Write(announceRequest, binary.BigEndian, req.Left)
	binary.Write(announceRequest, binary.BigEndian, req.Uploaded)
	binary.Write(announceRequest, binary.BigEndian, int32(req.Event))
	binary.Write(announceRequest, binary.BigEndian, int32(0)) // default ip
	binary.Write(announceRequest, binary.BigEndian, req.Key)
	binary.Write(announceRequest, binary.BigEndian, req.NumWant)
	binary.Write(announceRequest, binary.BigEndian, uint16(req.Port))

	if _, err := conn.Write(announceRequest.Bytes()); err != nil {
		return nil, err
	}

	announceResponse, err := readUDPResponse(conn, udpActionAnnounce, transactionID, 20)
	if err != nil {
		return nil, err
	}
	var interval int32
	resp := &AnnounceResponse{}
	binary.Read(announceResponse, binary.BigEndian, &interval)
	binary.Read(announceResponse, binary.BigEndian, &resp.Leechers)
	binary.Read(announceResponse, binary.BigEndian, &resp.Seeders)
	resp.Interval = time.Duration(interval) * time.Second
	resp.Peers = routing.ParseCompact(announceResponse.Bytes())
	return resp, nil
}
