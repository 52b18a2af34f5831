package iotmqtt

import (
	"bytes"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectPacketEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		packet ConnectPacket
	}{
		{
			name: "minimal",
			packet: ConnectPacket{
				ClientID:     "client-1",
				CleanSession: true,
			},
		},
		{
			name: "persistent session",
			packet: ConnectPacket{
				ClientID:  "client-1",
				KeepAlive: 1200,
			},
		},
		{
			name: "empty client ID with clean session",
			packet: ConnectPacket{
				CleanSession: true,
				KeepAlive:    30,
			},
		},
		{
			name: "credentials",
			packet: ConnectPacket{
				ClientID:     "client-1",
				CleanSession: true,
				KeepAlive:    60,
				Username:     "user?SDK=Go&Version=1.0.0",
				Password:     []byte("secret"),
			},
		},
		{
			name: "username only",
			packet: ConnectPacket{
				ClientID:     "client-1",
				CleanSession: true,
				Username:     "user",
			},
		},
		{
			name: "will",
			packet: ConnectPacket{
				ClientID:     "client-1",
				CleanSession: true,
				WillFlag:     true,
				WillQoS:      1,
				WillRetain:   true,
				WillTopic:    "devices/client-1/status",
				WillPayload:  []byte("offline"),
			},
		},
		{
			name: "will with empty payload",
			packet: ConnectPacket{
				ClientID:    "client-1",
				WillFlag:    true,
				WillQoS:     2,
				WillTopic:   "status",
				WillPayload: []byte{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tt.packet.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, buf.Len(), n)

			var header FixedHeader
			hn, err := header.Decode(&buf)
			require.NoError(t, err)
			assert.Equal(t, PacketCONNECT, header.PacketType)
			assert.Equal(t, uint32(n-hn), header.RemainingLength)

			var decoded ConnectPacket
			dn, err := decoded.Decode(&buf, header)
			require.NoError(t, err)
			assert.Equal(t, int(header.RemainingLength), dn)

			assert.Equal(t, tt.packet.ClientID, decoded.ClientID)
			assert.Equal(t, tt.packet.CleanSession, decoded.CleanSession)
			assert.Equal(t, tt.packet.KeepAlive, decoded.KeepAlive)
			assert.Equal(t, tt.packet.Username, decoded.Username)
			assert.Equal(t, tt.packet.Password, decoded.Password)
			assert.Equal(t, tt.packet.WillFlag, decoded.WillFlag)
			assert.Equal(t, tt.packet.WillQoS, decoded.WillQoS)
			assert.Equal(t, tt.packet.WillRetain, decoded.WillRetain)
			assert.Equal(t, tt.packet.WillTopic, decoded.WillTopic)
			assert.Equal(t, len(tt.packet.WillPayload), len(decoded.WillPayload))
		})
	}
}

func TestConnectPacketWireBytes(t *testing.T) {
	packet := &ConnectPacket{ClientID: "c", CleanSession: true, KeepAlive: 60}

	data, err := Serialize(packet)
	require.NoError(t, err)

	want := []byte{
		0x10, 0x0D,
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,       // protocol level
		0x02,       // clean session
		0x00, 0x3C, // keep alive
		0x00, 0x01, 'c',
	}
	assert.Equal(t, want, data)
}

func TestConnectPacketFlags(t *testing.T) {
	tests := []struct {
		name   string
		packet ConnectPacket
		want   byte
	}{
		{"none", ConnectPacket{}, 0x00},
		{"clean session", ConnectPacket{CleanSession: true}, 0x02},
		{"will QoS 0", ConnectPacket{WillFlag: true}, 0x04},
		{"will QoS 1", ConnectPacket{WillFlag: true, WillQoS: 1}, 0x0C},
		{"will QoS 2 retained", ConnectPacket{WillFlag: true, WillQoS: 2, WillRetain: true}, 0x34},
		{"will fields ignored without flag", ConnectPacket{WillQoS: 2, WillRetain: true}, 0x00},
		{"username and password", ConnectPacket{Username: "u", Password: []byte("p")}, 0xC0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.packet.connectFlags())
		})
	}
}

func TestConnectPacketValidate(t *testing.T) {
	tests := []struct {
		name    string
		packet  ConnectPacket
		wantErr error
	}{
		{
			name:   "valid",
			packet: ConnectPacket{ClientID: "c", CleanSession: true},
		},
		{
			name:    "empty client ID without clean session",
			packet:  ConnectPacket{},
			wantErr: ErrClientIDRequired,
		},
		{
			name:    "will QoS 3",
			packet:  ConnectPacket{ClientID: "c", WillFlag: true, WillQoS: 3, WillTopic: "a"},
			wantErr: ErrInvalidQoS,
		},
		{
			name:    "will topic with wildcard",
			packet:  ConnectPacket{ClientID: "c", WillFlag: true, WillTopic: "a/#"},
			wantErr: ErrInvalidTopic,
		},
		{
			name:    "empty will topic",
			packet:  ConnectPacket{ClientID: "c", WillFlag: true},
			wantErr: ErrInvalidTopic,
		},
		{
			name:    "password without username",
			packet:  ConnectPacket{ClientID: "c", Password: []byte("p")},
			wantErr: ErrPasswordWithoutUser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.packet.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConnectPacketDecodeErrors(t *testing.T) {
	valid := func(mutate func([]byte)) []byte {
		data, err := Serialize(&ConnectPacket{ClientID: "c", CleanSession: true})
		require.NoError(t, err)
		body := data[2:]
		if mutate != nil {
			mutate(body)
		}
		return body
	}

	tests := []struct {
		name    string
		body    []byte
		wantErr error
	}{
		{
			name:    "wrong protocol name",
			body:    valid(func(b []byte) { b[2] = 'X' }),
			wantErr: ErrInvalidProtocolName,
		},
		{
			name:    "protocol level 5",
			body:    valid(func(b []byte) { b[6] = 5 }),
			wantErr: ErrInvalidProtocolLevel,
		},
		{
			name:    "reserved flag",
			body:    valid(func(b []byte) { b[7] |= 0x01 }),
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "will retain without will",
			body:    valid(func(b []byte) { b[7] |= connectFlagWillRetain }),
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "will QoS 3",
			body:    valid(func(b []byte) { b[7] |= connectFlagWillFlag | 0x18 }),
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "password without username",
			body:    valid(func(b []byte) { b[7] |= connectFlagPasswordFlag }),
			wantErr: ErrInvalidConnectFlags,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := FixedHeader{PacketType: PacketCONNECT, RemainingLength: uint32(len(tt.body))}

			var p ConnectPacket
			_, err := p.Decode(bytes.NewReader(tt.body), header)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("wrong type", func(t *testing.T) {
		var p ConnectPacket
		_, err := p.Decode(bytes.NewReader(nil), FixedHeader{PacketType: PacketCONNACK})
		assert.ErrorIs(t, err, ErrInvalidPacketType)
	})

	t.Run("truncated", func(t *testing.T) {
		body := valid(nil)
		for i := range len(body) {
			var p ConnectPacket
			_, err := p.Decode(bytes.NewReader(body[:i]), FixedHeader{PacketType: PacketCONNECT, RemainingLength: uint32(len(body))})
			assert.Error(t, err, "prefix of %d bytes", i)
		}
	})
}

func TestConnectPacketLongClientID(t *testing.T) {
	packet := ConnectPacket{ClientID: strings.Repeat("x", 1000), CleanSession: true}

	data, err := Serialize(&packet)
	require.NoError(t, err)

	decoded, _, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, packet.ClientID, decoded.(*ConnectPacket).ClientID)
}

func BenchmarkConnectPacketEncode(b *testing.B) {
	packet := ConnectPacket{
		ClientID:     "benchmark-client",
		CleanSession: true,
		KeepAlive:    60,
		Username:     "user",
		Password:     []byte("password"),
	}
	var buf bytes.Buffer
	buf.Grow(64)

	b.ReportAllocs()

	for b.Loop() {
		buf.Reset()
		_, _ = packet.Encode(&buf)
	}
}

func FuzzConnectPacketDecode(f *testing.F) {
	data, _ := Serialize(&ConnectPacket{ClientID: "c", CleanSession: true, KeepAlive: 60, Username: "u", Password: []byte("p")})
	f.Add(data)

	data, _ = Serialize(&ConnectPacket{ClientID: "c", WillFlag: true, WillTopic: "t", WillPayload: []byte("w")})
	f.Add(data)

	for range 10 {
		size := rand.IntN(64) + 1
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(rand.IntN(256))
		}
		f.Add(data)
	}

	f.Fuzz(func(_ *testing.T, data []byte) {
		r := bytes.NewReader(data)
		var header FixedHeader
		_, err := header.Decode(r)
		if err != nil || header.PacketType != PacketCONNECT {
			return
		}

		var p ConnectPacket
		_, _ = p.Decode(r, header)
	})
}
