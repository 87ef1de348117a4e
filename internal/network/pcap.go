package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/monitoring"
)

// Route sends UDP datagrams addressed to Address to Handler. A nil or
// unspecified IP matches any destination on the port.
type Route struct {
	Address *net.UDPAddr
	Handler PacketHandler
}

func (r Route) matches(dst net.IP, port int) bool {
	if r.Address.Port != port {
		return false
	}
	return r.Address.IP == nil || r.Address.IP.IsUnspecified() || r.Address.IP.Equal(dst)
}

// ReplayStats summarises one replay.
type ReplayStats struct {
	Packets int64
	Routed  int64
	Skipped int64
	First   time.Time
	Last    time.Time
}

type packetDataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

const pcapngMagic = 0x0A0D0D0A

// ReplayPCAP feeds the UDP payloads of a pcap or pcapng capture through
// routes, stamped with their capture times.
func ReplayPCAP(ctx context.Context, path string, routes []Route) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return Replay(ctx, f, routes, monitoring.Component("replay").WithField("file", path))
}

// Replay is ReplayPCAP over any reader.
func Replay(ctx context.Context, r io.Reader, routes []Route, log *logrus.Entry) (ReplayStats, error) {
	if log == nil {
		log = monitoring.Component("replay")
	}
	src, err := openCapture(r)
	if err != nil {
		return ReplayStats{}, err
	}

	var stats ReplayStats
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			log.WithField("packets", stats.Packets).Info("replay cancelled")
			return stats, err
		}
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++
		if stats.First.IsZero() {
			stats.First = ci.Timestamp
		}
		stats.Last = ci.Timestamp

		pkt := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || pkt.NetworkLayer() == nil || len(udp.Payload) == 0 {
			stats.Skipped++
			continue
		}
		dst := net.IP(pkt.NetworkLayer().NetworkFlow().Dst().Raw())

		routed := false
		for _, rt := range routes {
			if rt.matches(dst, int(udp.DstPort)) {
				rt.Handler.HandlePacket(udp.Payload, ci.Timestamp)
				routed = true
			}
		}
		if routed {
			stats.Routed++
		} else {
			stats.Skipped++
		}

		if stats.Packets%10000 == 0 {
			log.WithField("packets", stats.Packets).Debugf("replay progress (%.0f pkt/s)",
				float64(stats.Packets)/time.Since(start).Seconds())
		}
	}

	log.WithFields(logrus.Fields{
		"packets": stats.Packets,
		"routed":  stats.Routed,
		"skipped": stats.Skipped,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("replay complete")
	return stats, nil
}

// openCapture detects pcap or pcapng from the leading magic number.
func openCapture(r io.Reader) (packetDataSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		return ng, nil
	}
	rd, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	return rd, nil
}
