package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/monitoring"
)

// PacketHandler consumes one datagram payload. The payload is only valid
// for the duration of the call.
type PacketHandler interface {
	HandlePacket(payload []byte, received time.Time)
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(payload []byte, received time.Time)

func (f PacketHandlerFunc) HandlePacket(payload []byte, received time.Time) { f(payload, received) }

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Address is host:port. Multicast groups are joined on Interface.
	Address   string
	Interface string
	// RcvBuf is the requested socket receive buffer; 0 keeps the default.
	RcvBuf  int
	Factory UDPSocketFactory
	Handler PacketHandler
	Log     *logrus.Entry
}

// ListenerStats are cumulative counters.
type ListenerStats struct {
	Packets    int64
	Bytes      int64
	ReadErrors int64
}

// Listener reads datagrams from one socket until its context ends.
type Listener struct {
	cfg ListenerConfig
	log *logrus.Entry

	packets    atomic.Int64
	bytes      atomic.Int64
	readErrors atomic.Int64
}

// readTimeout bounds how long a read blocks before the context is checked.
const readTimeout = 100 * time.Millisecond

// maxDatagram covers any UDP payload.
const maxDatagram = 65535

func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Handler == nil {
		return nil, errors.New("network: handler is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	log := cfg.Log
	if log == nil {
		log = monitoring.Component("network")
	}
	return &Listener{cfg: cfg, log: log.WithField("address", cfg.Address)}, nil
}

// Stats returns the counters so far.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Packets:    l.packets.Load(),
		Bytes:      l.bytes.Load(),
		ReadErrors: l.readErrors.Load(),
	}
}

func (l *Listener) open() (UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	if addr.IP != nil && addr.IP.IsMulticast() {
		var ifi *net.Interface
		if l.cfg.Interface != "" {
			if ifi, err = net.InterfaceByName(l.cfg.Interface); err != nil {
				return nil, fmt.Errorf("multicast interface %q: %w", l.cfg.Interface, err)
			}
		}
		sock, err := l.cfg.Factory.ListenMulticastUDP("udp", ifi, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to join multicast group %s: %w", addr, err)
		}
		return sock, nil
	}
	sock, err := l.cfg.Factory.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	return sock, nil
}

// Run opens the socket and delivers datagrams until ctx is cancelled.
// It returns ctx.Err() on cancellation and an error if the socket
// cannot be opened.
func (l *Listener) Run(ctx context.Context) error {
	sock, err := l.open()
	if err != nil {
		return err
	}
	defer sock.Close()

	if l.cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			l.log.WithError(err).Warnf("failed to set UDP receive buffer to %d bytes", l.cfg.RcvBuf)
		}
	}
	l.log.WithField("local", sock.LocalAddr()).Info("UDP listener started")

	buffer := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			l.log.Info("UDP listener stopping")
			return err
		}
		sock.SetReadDeadline(time.Now().Add(readTimeout))

		n, _, err := sock.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			l.readErrors.Add(1)
			l.log.WithError(err).Warn("UDP read error")
			continue
		}
		l.packets.Add(1)
		l.bytes.Add(int64(n))
		l.cfg.Handler.HandlePacket(buffer[:n], time.Now())
	}
}
