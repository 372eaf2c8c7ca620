package pcap

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPacket(t *testing.T, ts time.Time, transport ...gopacket.SerializableLayer) gopacket.Packet {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4,
		IHL:     5,
		TTL:     64,
		SrcIP:   net.IP{10, 0, 0, 1},
		DstIP:   net.IP{10, 0, 0, 2},
	}

	switch l := transport[0].(type) {
	case *layers.TCP:
		ip.Protocol = layers.IPProtocolTCP
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	case *layers.UDP:
		ip.Protocol = layers.IPProtocolUDP
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	case *layers.ICMPv4:
		ip.Protocol = layers.IPProtocolICMPv4
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	all := append([]gopacket.SerializableLayer{eth, ip}, transport...)
	require.NoError(t, gopacket.SerializeLayers(buf, opts, all...))

	packet := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	packet.Metadata().Timestamp = ts
	packet.Metadata().CaptureLength = len(buf.Bytes())
	packet.Metadata().Length = len(buf.Bytes())
	return packet
}

func TestFeatureExtractor(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	// Long enough that the frame is not padded to the Ethernet minimum.
	payload := []byte("GET /index.html HTTP/1.1\r\n\r\n")
	tcp := buildPacket(t, ts,
		&layers.TCP{SrcPort: 40000, DstPort: 8080, SYN: true, ACK: true, Window: 1024},
		gopacket.Payload(payload))
	udp := buildPacket(t, ts, &layers.UDP{SrcPort: 5000, DstPort: 9999}, gopacket.Payload([]byte("abc")))
	icmp := buildPacket(t, ts, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})

	tests := []struct {
		name    string
		feature Feature
		packet  gopacket.Packet
		want    float64
		wantOK  bool
	}{
		{name: "tcp size", feature: PacketSize, packet: tcp, want: float64(14 + 20 + 20 + len(payload)), wantOK: true},
		{name: "tcp payload", feature: PayloadSize, packet: tcp, want: float64(len(payload)), wantOK: true},
		{name: "ttl", feature: IPTTL, packet: tcp, want: 64, wantOK: true},
		{name: "tcp source port", feature: SrcPort, packet: tcp, want: 40000, wantOK: true},
		{name: "tcp destination port", feature: DstPort, packet: tcp, want: 8080, wantOK: true},
		{name: "tcp flags", feature: TCPFlags, packet: tcp, want: 3, wantOK: true},
		{name: "udp destination port", feature: DstPort, packet: udp, want: 9999, wantOK: true},
		{name: "udp has no tcp flags", feature: TCPFlags, packet: udp, wantOK: false},
		{name: "icmp has no ports", feature: SrcPort, packet: icmp, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NewFeatureExtractor(tt.feature).Extract(tt.packet)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestInterArrivalTime(t *testing.T) {
	start := time.Unix(1700000000, 0)
	e := NewFeatureExtractor(InterArrivalTime)

	_, ok := e.Extract(buildPacket(t, start, &layers.UDP{SrcPort: 4001, DstPort: 4002}))
	assert.False(t, ok, "first packet has no predecessor")

	got, ok := e.Extract(buildPacket(t, start.Add(250*time.Millisecond), &layers.UDP{SrcPort: 4001, DstPort: 4002}))
	assert.True(t, ok)
	assert.InDelta(t, 0.25, got, 1e-9)
}

func TestParseFeature(t *testing.T) {
	f, err := ParseFeature(" Packet_Size ")
	require.NoError(t, err)
	assert.Equal(t, PacketSize, f)

	_, err = ParseFeature("jitter")
	assert.Error(t, err)
	assert.Len(t, Features(), 7)
}
