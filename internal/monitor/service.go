// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package monitor runs the capture loop: UDP datagrams are decoded and
// counted, and the recurring rate tasks fire between reads. The loop is the
// single writer to all counting state; it shares nothing with the API domain
// except the key-value store.
package monitor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/anomaly"
	"bacmon.is/bacmon/internal/clock"
	"bacmon.is/bacmon/internal/config"
	"bacmon.is/bacmon/internal/decoder"
	"bacmon.is/bacmon/internal/errors"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/metrics"
	"bacmon.is/bacmon/internal/ratemon"
	"bacmon.is/bacmon/internal/version"
)

// readTimeout bounds each socket read so the task queue makes progress even
// on a silent network.
const readTimeout = time.Second

// maxDatagram is the largest BACnet/IP frame we accept; BVLL length is a
// 16-bit field.
const maxDatagram = 65535

// Service is the monitor domain: one capture loop, one set of counting
// intervals, one set of rate tasks.
type Service struct {
	cfg     *config.Config
	log     *logging.Logger
	store   kvstore.Store
	dec     *decoder.Decoder
	counter *ratemon.Counter
	tasks   []*ratemon.RateTask
	alerts  *alerting.Manager

	conn         net.PacketConn
	scanInterval time.Duration
	lastScan     time.Time
	stopCh       chan struct{}

	// collector receives cumulative per-family counts so the status and
	// websocket feeds can report packet rates.
	collector    *metrics.Collector
	familyTotals map[string]uint64
}

// NewService wires the monitor from configuration. alerts may be nil when
// alerting is not configured.
func NewService(cfg *config.Config, store kvstore.Store, alerts *alerting.Manager, log *logging.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		log:     log.WithComponent("monitor"),
		store:   store,
		dec:     decoder.New(cfg.Monitor.BBMD),
		counter: ratemon.NewCounter(store, nil, log),
		alerts:  alerts,
		stopCh:  make(chan struct{}),

		familyTotals: make(map[string]uint64),
	}

	s.scanInterval = 10 * time.Second
	if rm := cfg.RateMonitoring; rm != nil {
		if rm.ScanIntervalMS > 0 {
			s.scanInterval = time.Duration(rm.ScanIntervalMS) * time.Millisecond
		}
		var sink ratemon.AlertSink
		if alerts != nil {
			sink = alerts
		}
		for _, rc := range rm.Rates {
			var mgr *anomaly.Manager
			if rm.UseEnhancedDetection {
				mgr = anomaly.NewManager(rc.Key, detectorConfig(rm, rc), log)
			}
			s.tasks = append(s.tasks, ratemon.NewRateTask(
				rc.Name, rc.Key, int64(rc.Interval), float64(rc.MaxValue), rc.Duration,
				store, sink, mgr, log))
		}
	}
	return s
}

// detectorConfig maps the rate-monitoring section onto the detector tuning
// for one key.
func detectorConfig(rm *config.RateMonitoringConfig, rc config.RateConfig) anomaly.Config {
	cfg := anomaly.DefaultConfig(float64(rc.MaxValue), rc.Duration)
	if rm.Sensitivity > 0 {
		cfg.Sensitivity = rm.Sensitivity
	}
	if rm.SpikeSensitivity > 0 {
		cfg.SpikeSensitivity = rm.SpikeSensitivity
	}
	if rm.ZThreshold > 0 {
		cfg.ZThreshold = rm.ZThreshold
	}
	if rm.TrendThreshold > 0 {
		cfg.TrendThreshold = rm.TrendThreshold
	}
	if rm.HourGranularity > 0 {
		cfg.HourGranularity = rm.HourGranularity
	}
	return cfg
}

// SetConn injects the packet source, for tests. When unset, Run binds a UDP
// socket from the monitor configuration.
func (s *Service) SetConn(conn net.PacketConn) { s.conn = conn }

// SetCollector attaches the metrics collector; classified packets then feed
// the per-family rate cache.
func (s *Service) SetCollector(c *metrics.Collector) { s.collector = c }

// Tasks exposes the rate tasks, for the API's anomaly views.
func (s *Service) Tasks() []*ratemon.RateTask { return s.tasks }

// ListenAddr derives the UDP bind address from the configured CIDR and port.
func ListenAddr(mc config.MonitorConfig) (string, error) {
	port := mc.Port
	if port == 0 {
		port = config.DefaultBACnetPort
	}
	host := mc.Address
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if net.ParseIP(host) == nil {
		return "", errors.Errorf(errors.KindConfig, "bad monitor address %q", mc.Address)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Run executes the capture loop until the context is cancelled or Stop is
// called. It owns the socket and all counting state.
func (s *Service) Run(ctx context.Context) error {
	if s.conn == nil {
		addr, err := ListenAddr(s.cfg.Monitor)
		if err != nil {
			return err
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return errors.Wrapf(err, errors.KindUnavailable, "bind %s", addr)
		}
		s.conn = conn
		s.log.Info("listening", "addr", addr, "interface", s.cfg.Monitor.Interface)
	}
	defer s.conn.Close()

	if err := s.writeStartupState(ctx); err != nil {
		s.log.Warn("startup state write failed", "error", err)
	}
	for _, task := range s.tasks {
		task.Recover(ctx)
	}

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-s.stopCh:
			return s.shutdown()
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.runDue(ctx)
				continue
			}
			return errors.Wrap(err, errors.KindUnavailable, "socket read")
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.handle(ctx, raw, sourceOf(addr))
		s.runDue(ctx)
	}
}

// Stop asks the loop to exit; Run flushes and returns.
func (s *Service) Stop() { close(s.stopCh) }

// handle classifies and counts one datagram. Decode never fails the loop;
// store failures are logged and the packet is abandoned.
func (s *Service) handle(ctx context.Context, raw []byte, src string) {
	out := s.dec.Decode(raw, src)

	if err := s.counter.Observe(ctx, out, clock.Unix()); err != nil {
		s.log.Warn("dropping counter update", "source", src, "error", err)
	}

	if s.collector != nil && out.Classified() {
		s.familyTotals[out.Key]++
		s.collector.Observe(out.Key, string(out.Category), s.familyTotals[out.Key])
	}

	if out.ForwardedNonBBMD && s.alerts != nil {
		s.alerts.Create(ctx, out.BVLLKey,
			fmt.Sprintf("ForwardedNPDU from unregistered source %s (originator %s)", src, out.ForwardedOrigin),
			alerting.LevelWarning, "monitor", src,
			map[string]any{"originator": out.ForwardedOrigin})
	}
}

// runDue fires every rate task once per scan interval.
func (s *Service) runDue(ctx context.Context) {
	now := clock.Now()
	if now.Sub(s.lastScan) < s.scanInterval {
		return
	}
	s.lastScan = now
	for _, task := range s.tasks {
		task.Tick(ctx, now.Unix())
	}
}

// shutdown flushes the open buckets and records the flush time.
func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.counter.Flush(ctx); err != nil {
		s.log.Warn("shutdown flush failed", "error", err)
	}
	if err := s.store.Set(ctx, "flush_time", strconv.FormatInt(clock.Unix(), 10)); err != nil {
		s.log.Warn("flush time write failed", "error", err)
	}
	s.log.Info("monitor stopped")
	return nil
}

func (s *Service) writeStartupState(ctx context.Context) error {
	if err := s.store.Set(ctx, "startup_time", strconv.FormatInt(clock.Unix(), 10)); err != nil {
		return err
	}
	return s.store.Set(ctx, "daemon_version", version.Version)
}

// sourceOf renders a packet source the way family keys expect: bare IP for
// the default BACnet port, ip:port otherwise.
func sourceOf(addr net.Addr) string {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return addr.String()
	}
	if udp.Port == config.DefaultBACnetPort {
		return udp.IP.String()
	}
	return fmt.Sprintf("%s:%d", udp.IP.String(), udp.Port)
}

// CheckStore verifies KV liveness before the loop starts; callers exit with a
// distinct code when the store is unreachable.
func CheckStore(ctx context.Context, store kvstore.Store) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "key-value store unreachable")
	}
	return nil
}

// StartCollector launches the shared metrics collector used by both
// binaries. The collection loop runs in its own goroutine; callers stop it
// with Collector.Stop.
func StartCollector(log *logging.Logger, store kvstore.Store) *metrics.Collector {
	c := metrics.NewCollector(log, 15*time.Second)
	if health, ok := store.(metrics.StoreHealth); ok {
		c.SetStoreHealth(health)
	}
	go c.Start()
	return c
}
