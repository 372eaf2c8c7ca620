// Package pcap turns a packet capture into a scalar series by extracting one
// numeric feature from every packet.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// Feature names a per-packet quantity.
type Feature string

// Supported features.
const (
	PacketSize       Feature = "packet_size"
	InterArrivalTime Feature = "inter_arrival_time"
	PayloadSize      Feature = "payload_size"
	IPTTL            Feature = "ip_ttl"
	SrcPort          Feature = "src_port"
	DstPort          Feature = "dst_port"
	TCPFlags         Feature = "tcp_flags"
)

// Features lists every supported feature.
func Features() []Feature {
	return []Feature{PacketSize, InterArrivalTime, PayloadSize, IPTTL, SrcPort, DstPort, TCPFlags}
}

// ParseFeature validates a feature name.
func ParseFeature(name string) (Feature, error) {
	f := Feature(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Features() {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown packet feature %q", name)
}

// Reader reads packets from PCAP files or live interfaces.
type Reader struct {
	handle    *pcap.Handle
	extractor *FeatureExtractor
	isLive    bool
}

// NewFileReader creates a reader for PCAP files.
func NewFileReader(filename string, feature Feature) (*Reader, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, err
	}

	return &Reader{
		handle:    handle,
		extractor: NewFeatureExtractor(feature),
		isLive:    false,
	}, nil
}

// NewLiveReader creates a reader for live packet capture.
func NewLiveReader(iface string, feature Feature, snaplen int32, promisc bool, timeout time.Duration) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}

	return &Reader{
		handle:    handle,
		extractor: NewFeatureExtractor(feature),
		isLive:    true,
	}, nil
}

// Read returns the feature of every packet. It does not return for a live
// capture; use Stream instead.
func (r *Reader) Read() ([]float64, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}
	if r.isLive {
		return nil, errors.New("read on a live capture never ends, use Stream")
	}

	var series []float64
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())

	for packet := range packetSource.Packets() {
		if v, ok := r.extractor.Extract(packet); ok {
			series = append(series, v)
		}
	}

	return series, nil
}

// Stream returns a channel of feature values for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan float64, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan float64, 1000)
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packetSource.Packets():
				if !ok {
					return
				}
				if v, ok := r.extractor.Extract(packet); ok {
					select {
					case out <- v:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.handle != nil {
		r.handle.Close()
	}
	return nil
}

// FeatureExtractor extracts one numeric feature from network packets.
type FeatureExtractor struct {
	feature       Feature
	lastTimestamp time.Time
}

// NewFeatureExtractor creates an extractor for feature.
func NewFeatureExtractor(feature Feature) *FeatureExtractor {
	return &FeatureExtractor{feature: feature}
}

// Extract returns the configured feature of packet. It reports false when the
// packet does not carry the feature, such as a port on an ICMP packet or the
// inter-arrival time of the first packet.
func (e *FeatureExtractor) Extract(packet gopacket.Packet) (float64, bool) {
	switch e.feature {
	case PacketSize:
		return float64(len(packet.Data())), true

	case InterArrivalTime:
		metadata := packet.Metadata()
		if metadata == nil || metadata.Timestamp.IsZero() {
			return 0, false
		}
		last := e.lastTimestamp
		e.lastTimestamp = metadata.Timestamp
		if last.IsZero() {
			return 0, false
		}
		return metadata.Timestamp.Sub(last).Seconds(), true

	case PayloadSize:
		if appLayer := packet.ApplicationLayer(); appLayer != nil {
			return float64(len(appLayer.Payload())), true
		}
		return 0, true

	case IPTTL:
		if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
			return float64(ipLayer.(*layers.IPv4).TTL), true
		}
		if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
			return float64(ipLayer.(*layers.IPv6).HopLimit), true
		}
		return 0, false

	case SrcPort, DstPort:
		src, dst, ok := ports(packet)
		if !ok {
			return 0, false
		}
		if e.feature == SrcPort {
			return src, true
		}
		return dst, true

	case TCPFlags:
		if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
			return encodeTCPFlags(tcpLayer.(*layers.TCP)), true
		}
		return 0, false
	}
	return 0, false
}

// Feature returns the extracted feature.
func (e *FeatureExtractor) Feature() Feature {
	return e.feature
}

func ports(packet gopacket.Packet) (src, dst float64, ok bool) {
	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		return float64(tcp.SrcPort), float64(tcp.DstPort), true
	}
	if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		return float64(udp.SrcPort), float64(udp.DstPort), true
	}
	return 0, 0, false
}

// encodeTCPFlags converts TCP flags to a numeric value.
func encodeTCPFlags(tcp *layers.TCP) float64 {
	var flags float64
	if tcp.SYN {
		flags += 1
	}
	if tcp.ACK {
		flags += 2
	}
	if tcp.FIN {
		flags += 4
	}
	if tcp.RST {
		flags += 8
	}
	if tcp.PSH {
		flags += 16
	}
	if tcp.URG {
		flags += 32
	}
	return flags
}
