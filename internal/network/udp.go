// Package network receives RTP datagrams from UDP sockets or from
// captured pcap files and hands their payloads to a PacketHandler.
package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn the listener uses.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory opens sockets. Tests substitute MockUDPSocketFactory.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
	ListenMulticastUDP(network string, ifi *net.Interface, gaddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory opens operating system sockets.
type RealUDPSocketFactory struct{}

func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (RealUDPSocketFactory) ListenMulticastUDP(network string, ifi *net.Interface, gaddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenMulticastUDP(network, ifi, gaddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket replays a fixed list of datagrams. Once they are
// exhausted every read times out.
type MockUDPSocket struct {
	mu           sync.Mutex
	packets      []MockUDPPacket
	next         int
	closed       bool
	readBuffer   int
	deadline     time.Time
	readErrors   []error
	LocalAddress *net.UDPAddr
}

// MockUDPPacket is one datagram for MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

func NewMockUDPSocket(packets []MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets:      packets,
		LocalAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004},
	}
}

// FailNextRead queues err to be returned before the next datagram.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	m.readErrors = append(m.readErrors, err)
	m.mu.Unlock()
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if len(m.readErrors) > 0 {
		err := m.readErrors[0]
		m.readErrors = m.readErrors[1:]
		m.mu.Unlock()
		return 0, nil, err
	}
	if m.next >= len(m.packets) {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.packets[m.next]
	m.next++
	m.mu.Unlock()
	return copy(b, pkt.Data), pkt.Addr, nil
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.readBuffer = bytes
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadline = t
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr { return m.LocalAddress }

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Drained reports whether every datagram has been read.
func (m *MockUDPSocket) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next >= len(m.packets)
}

// ReadBuffer returns the value last passed to SetReadBuffer.
func (m *MockUDPSocket) ReadBuffer() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBuffer
}

// MockUDPSocketFactory hands out Socket and records each call.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Error  error

	mu    sync.Mutex
	calls []MockListenCall
}

// MockListenCall records one factory call.
type MockListenCall struct {
	Network   string
	Addr      *net.UDPAddr
	Multicast bool
	Interface string
}

func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	return f.record(MockListenCall{Network: network, Addr: laddr})
}

func (f *MockUDPSocketFactory) ListenMulticastUDP(network string, ifi *net.Interface, gaddr *net.UDPAddr) (UDPSocket, error) {
	call := MockListenCall{Network: network, Addr: gaddr, Multicast: true}
	if ifi != nil {
		call.Interface = ifi.Name
	}
	return f.record(call)
}

func (f *MockUDPSocketFactory) record(call MockListenCall) (UDPSocket, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// Calls returns the recorded factory calls.
func (f *MockUDPSocketFactory) Calls() []MockListenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockListenCall(nil), f.calls...)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
