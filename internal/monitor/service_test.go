// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bacmon.is/bacmon/internal/config"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/metrics"
)

// fakeConn replays queued datagrams, then times out forever.
type fakeConn struct {
	packets []fakePacket
	closed  bool
}

type fakePacket struct {
	data []byte
	src  net.Addr
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if len(c.packets) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil, timeoutErr{}
	}
	pkt := c.packets[0]
	c.packets = c.packets[1:]
	n := copy(p, pkt.data)
	return n, pkt.src, nil
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) { return len(p), nil }
func (c *fakeConn) Close() error                                 { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr                          { return &net.UDPAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error                { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error            { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error           { return nil }

func iAmDatagram(instance uint32) []byte {
	apdu := []byte{0x10, 0x00, 0xC4}
	apdu = binary.BigEndian.AppendUint32(apdu, uint32(8)<<22|instance)
	apdu = append(apdu, 0x22, 0x04, 0x00, 0x91, 0x03, 0x21, 0x0F)

	npdu := append([]byte{0x01, 0x00}, apdu...)
	frame := make([]byte, 4+len(npdu))
	frame[0] = 0x81
	frame[1] = 0x01
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))
	copy(frame[4:], npdu)
	return frame
}

func testConfig() *config.Config {
	return &config.Config{
		Monitor: config.MonitorConfig{Address: "192.0.2.1/24"},
	}
}

func TestRunCountsPackets(t *testing.T) {
	store := kvstore.NewMemoryStore()
	log := logging.New(logging.DefaultConfig())
	svc := NewService(testConfig(), store, nil, log)

	collector := metrics.NewCollector(log, time.Hour)
	svc.SetCollector(collector)

	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: config.DefaultBACnetPort}
	conn := &fakeConn{}
	for i := 0; i < 3; i++ {
		conn.packets = append(conn.packets, fakePacket{data: iAmDatagram(12345), src: src})
	}
	svc.SetConn(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		total, err := store.Get(context.Background(), "total")
		return err == nil && total == "3"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, conn.closed)

	app, err := store.SMembers(context.Background(), "application-traffic")
	require.NoError(t, err)
	assert.Contains(t, app, "IAmRequest,192.0.2.10,12345")

	ip, err := store.SMembers(context.Background(), "ip-traffic")
	require.NoError(t, err)
	assert.Contains(t, ip, "192.0.2.10")

	// Shutdown wrote the flush marker and startup wrote identity.
	_, err = store.Get(context.Background(), "flush_time")
	assert.NoError(t, err)
	_, err = store.Get(context.Background(), "startup_time")
	assert.NoError(t, err)
	_, err = store.Get(context.Background(), "daemon_version")
	assert.NoError(t, err)

	// Classified packets fed the rate cache.
	stats := collector.GetTrafficStats()
	require.Contains(t, stats, "IAmRequest,192.0.2.10,12345")
	assert.Equal(t, uint64(3), stats["IAmRequest,192.0.2.10,12345"].Packets)
}

func TestStartCollectorReturns(t *testing.T) {
	done := make(chan *metrics.Collector, 1)
	go func() {
		done <- StartCollector(logging.New(logging.DefaultConfig()), kvstore.NewMemoryStore())
	}()
	select {
	case c := <-done:
		c.Stop()
	case <-time.After(2 * time.Second):
		t.Fatal("StartCollector did not return; the collection loop must not block the caller")
	}
}

func TestRunCountsMalformedPackets(t *testing.T) {
	store := kvstore.NewMemoryStore()
	svc := NewService(testConfig(), store, nil, logging.New(logging.DefaultConfig()))

	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.66"), Port: config.DefaultBACnetPort}
	conn := &fakeConn{packets: []fakePacket{{data: []byte{0x55, 0x01}, src: src}}}
	svc.SetConn(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		errs, err := store.SMembers(context.Background(), "error-traffic")
		return err == nil && len(errs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	total, err := store.Get(context.Background(), "total")
	require.NoError(t, err)
	assert.Equal(t, "1", total, "malformed packets still count")
}

func TestListenAddr(t *testing.T) {
	addr, err := ListenAddr(config.MonitorConfig{Address: "192.0.2.1/24"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:47808", addr)

	addr, err = ListenAddr(config.MonitorConfig{Address: "192.0.2.1/24", Port: 47809})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:47809", addr)

	_, err = ListenAddr(config.MonitorConfig{Address: "not-an-address"})
	assert.Error(t, err)
}

func TestSourceOf(t *testing.T) {
	std := &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: config.DefaultBACnetPort}
	assert.Equal(t, "192.0.2.10", sourceOf(std), "default port is omitted")

	alt := &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 47809}
	assert.Equal(t, "192.0.2.10:47809", sourceOf(alt))
}
