package dht

import (
	"net/netip"
	"testing"

	"github.com/iohzrd/thor/go-swarm/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeIDOf(b byte) NodeID {
	var id NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestCodecs(t *testing.T) {
	query := &Message{
		TxID:   "ab",
		Kind:   KindQuery,
		Method: PROVIDE,
		Sender: nodeIDOf(1),
		Target: nodeIDOf(2),
		Port:   7000,
	}
	response := &Message{
		TxID:   "cd",
		Kind:   KindResponse,
		Method: FIND_PROVIDERS,
		Sender: nodeIDOf(3),
		Nodes: []Contact{
			{ID: nodeIDOf(4), Addr: netip.MustParseAddrPort("10.0.0.4:4000")},
			{ID: nodeIDOf(5), Addr: netip.MustParseAddrPort("10.0.0.5:5000")},
		},
		Providers: []routing.PeerAddr{
			{Addr: netip.MustParseAddrPort("10.0.0.6:6000")},
		},
	}
	failure := &Message{
		TxID:    "ef",
		Kind:    KindError,
		Sender:  nodeIDOf(7),
		ErrCode: ERR_METHOD_UNKNOWN,
		ErrMsg:  "method unknown",
	}

	for _, codec := range []Codec{KRPC{}, Proto{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(query)
			require.NoError(t, err)
			msg, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, query, msg)

			data, err = codec.Encode(response)
			require.NoError(t, err)
			msg, err = codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, response.TxID, msg.TxID)
			assert.Equal(t, KindResponse, msg.Kind)
			assert.Equal(t, response.Sender, msg.Sender)
			assert.Equal(t, response.Nodes, msg.Nodes)
			assert.Equal(t, response.Providers, msg.Providers)

			data, err = codec.Encode(failure)
			require.NoError(t, err)
			msg, err = codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, "ef", msg.TxID)
			assert.Equal(t, KindError, msg.Kind)
			assert.Equal(t, ERR_METHOD_UNKNOWN, msg.ErrCode)
			assert.Equal(t, "method unknown", msg.ErrMsg)
		})
	}
}

func TestProtoCarriesIPv6(t *testing.T) {
	response := &Message{
		TxID:   "v6",
		Kind:   KindResponse,
		Method: FIND_NODE,
		Sender: nodeIDOf(1),
		Nodes:  []Contact{{ID: nodeIDOf(2), Addr: netip.MustParseAddrPort("[2001:db8::1]:4000")}},
	}
	data, err := Proto{}.Encode(response)
	require.NoError(t, err)
	msg, err := Proto{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, response.Nodes, msg.Nodes)

	data, err = KRPC{}.Encode(response)
	require.NoError(t, err)
	msg, err = KRPC{}.Decode(data)
	require.NoError(t, err)
	assert.Empty(t, msg.Nodes)
}

func TestDecodeMalformedKeepsTxID(t *testing.T) {
	msg, err := KRPC{}.Decode([]byte("d1:ad2:id5:shorte1:q9:find_node1:t2:xy1:y1:qe"))
	assert.ErrorIs(t, err, ErrMalformed)
	require.NotNil(t, msg)
	assert.Equal(t, "xy", msg.TxID)
	assert.Equal(t, KindQuery, msg.Kind)

	_, err = KRPC{}.Decode([]byte("not bencode"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Proto{}.Decode([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodecByName(t *testing.T) {
	codec, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "krpc", codec.Name())

	codec, err = CodecByName("proto")
	require.NoError(t, err)
	assert.Equal(t, "proto", codec.Name())

	_, err = CodecByName("json")
	assert.Error(t, err)
}
