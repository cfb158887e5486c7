// pkg/monitors/netwatch/watcher.go
package netwatch

import (
	"bufio"
	"context"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/policy"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

// PacketSource produces observed packets until its context is cancelled.
// The returned channel is closed when the source stops, whether by
// cancellation or because the underlying capture died.
type PacketSource interface {
	Name() string
	Capture(ctx context.Context) (<-chan model.Packet, error)
}

var (
	timestampPattern = regexp.MustCompile(`^(\d+\.\d+)\s+`)
	addrPortPattern  = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)\.(\d+)\s*>\s*(\d+\.\d+\.\d+\.\d+)\.(\d+)`)
	addrPattern      = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)\s*>\s*(\d+\.\d+\.\d+\.\d+)`)
	lengthPattern    = regexp.MustCompile(`length\s+(\d+)`)
)

// TcpdumpSource captures live traffic by running tcpdump and parsing its
// line output. Requires sudo, like the firewall backend.
type TcpdumpSource struct {
	iface  string
	logger zerolog.Logger

	mu       sync.Mutex
	localIPs map[string]bool
}

func NewTcpdumpSource(iface string, logger zerolog.Logger) *TcpdumpSource {
	return &TcpdumpSource{
		iface:    iface,
		logger:   logger.With().Str("component", "tcpdump").Logger(),
		localIPs: make(map[string]bool),
	}
}

func (s *TcpdumpSource) Name() string { return "tcpdump" }

// Capture starts tcpdump and streams parsed packets. Unparseable lines are
// skipped; tcpdump exiting closes the channel.
func (s *TcpdumpSource) Capture(ctx context.Context) (<-chan model.Packet, error) {
	s.refreshLocalIPs()

	args := []string{"tcpdump", "-n", "-l", "-tt"}
	if s.iface != "" {
		args = append(args, "-i", s.iface)
	}

	cmd := exec.CommandContext(ctx, "sudo", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.ObservationGap("netwatch.capture", err, "failed to open tcpdump pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.ObservationGap("netwatch.capture", err, "failed to start tcpdump")
	}

	s.logger.Info().Strs("args", args).Msg("Packet capture started")

	out := make(chan model.Packet, 64)
	go func() {
		defer close(out)
		defer cmd.Wait()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			pkt, ok := s.parseLine(line)
			if !ok {
				continue
			}
			select {
			case out <- pkt:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("tcpdump read failed")
		}
	}()
	return out, nil
}

// refreshLocalIPs records the host's IPv4 addresses so packet direction can
// be inferred from the source address.
func (s *TcpdumpSource) refreshLocalIPs() {
	stats, err := psnet.Interfaces()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not determine local addresses")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, iface := range stats {
		for _, addr := range iface.Addrs {
			ip := addr.Addr
			if idx := strings.Index(ip, "/"); idx >= 0 {
				ip = ip[:idx]
			}
			if strings.Count(ip, ".") == 3 {
				s.localIPs[ip] = true
			}
		}
	}
}

func (s *TcpdumpSource) isLocal(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localIPs[ip]
}

// parseLine extracts one packet from a tcpdump -n -l -tt output line, such
// as "1724918852.612 IP 203.0.113.7.51234 > 10.0.0.5.445: Flags [S], length 0".
func (s *TcpdumpSource) parseLine(line string) (model.Packet, bool) {
	tsMatch := timestampPattern.FindStringSubmatch(line)
	if tsMatch == nil {
		return model.Packet{}, false
	}
	epoch, err := strconv.ParseFloat(tsMatch[1], 64)
	if err != nil {
		return model.Packet{}, false
	}
	sec, frac := math.Modf(epoch)
	ts := time.Unix(int64(sec), int64(frac*float64(time.Second)))

	pkt := model.Packet{Timestamp: ts, Protocol: detectProtocol(line)}

	if m := addrPortPattern.FindStringSubmatch(line); m != nil {
		pkt.SrcIP = m[1]
		pkt.SrcPort, _ = strconv.Atoi(m[2])
		pkt.DstIP = m[3]
		pkt.DstPort, _ = strconv.Atoi(m[4])
	} else if m := addrPattern.FindStringSubmatch(line); m != nil {
		pkt.SrcIP = m[1]
		pkt.DstIP = m[2]
	} else {
		return model.Packet{}, false
	}

	if m := lengthPattern.FindStringSubmatch(line); m != nil {
		pkt.Size, _ = strconv.Atoi(m[1])
	}

	pkt.Direction = model.DirectionIncoming
	if s.isLocal(pkt.SrcIP) {
		pkt.Direction = model.DirectionOutgoing
	}
	return pkt, true
}

// detectProtocol guesses the transport from tcpdump's line text. TCP lines
// carry a Flags field, UDP and ICMP name themselves.
func detectProtocol(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(line, "Flags [") || strings.Contains(lower, " tcp") || strings.Contains(lower, ".tcp"):
		return "tcp"
	case strings.Contains(lower, " udp") || strings.Contains(lower, ".udp"):
		return "udp"
	case strings.Contains(lower, "icmp"):
		return "icmp"
	default:
		return "ip"
	}
}

// Watcher feeds captured packets into the policy engine. It runs as a
// continuous monitor: the scheduler restarts it if the source dies.
type Watcher struct {
	engine *policy.Engine
	source PacketSource
	store  *store.Store
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	notified bool
}

// NewWatcher builds a network watcher. A nil source selects live tcpdump
// capture on the configured interface.
func NewWatcher(cfg config.NetworkConfig, source PacketSource, engine *policy.Engine, st *store.Store, bus *events.Bus, logger zerolog.Logger) *Watcher {
	if source == nil {
		source = NewTcpdumpSource(cfg.Interface, logger)
	}
	return &Watcher{
		engine: engine,
		source: source,
		store:  st,
		bus:    bus,
		logger: logger.With().Str("component", "netwatch").Logger(),
	}
}

func (w *Watcher) Name() string { return "netwatch" }

// Interval returns zero: the watcher blocks on its packet source for the
// life of the scheduler.
func (w *Watcher) Interval() time.Duration { return 0 }

// Run consumes the packet source until cancellation. A source that cannot
// start records the observation gap once and returns so the scheduler can
// retry.
func (w *Watcher) Run(ctx context.Context) {
	packets, err := w.source.Capture(ctx)
	if err != nil {
		w.noteGap(err)
		return
	}
	w.clearGap()

	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				if ctx.Err() == nil {
					w.logger.Warn().Str("source", w.source.Name()).Msg("Packet source closed, capture will restart")
				}
				return
			}
			w.observe(ctx, pkt)
		case <-ctx.Done():
			w.drain(ctx, packets)
			return
		}
	}
}

// drain classifies packets already queued by the source, then returns.
func (w *Watcher) drain(ctx context.Context, packets <-chan model.Packet) {
	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			w.observe(ctx, pkt)
		default:
			return
		}
	}
}

func (w *Watcher) observe(ctx context.Context, pkt model.Packet) {
	if _, err := w.engine.HandlePacket(ctx, pkt); err != nil {
		w.logger.Error().Err(err).
			Str("source", pkt.SourceAddr()).
			Str("destination", pkt.DestinationAddr()).
			Msg("Packet handling failed")
	}
}

// noteGap records a capture outage once per outage, not once per restart
// attempt.
func (w *Watcher) noteGap(cause error) {
	w.mu.Lock()
	already := w.notified
	w.notified = true
	w.mu.Unlock()

	gap := errors.ObservationGap("netwatch.capture", cause, "packet capture unavailable")
	w.logger.Warn().Err(gap).Str("source", w.source.Name()).Msg("Packet capture unavailable")
	if already {
		return
	}

	entry := &model.LogEntry{
		Level:    model.LogWarning,
		Category: model.CategorySystem,
		Message:  "Network watch degraded: packet capture unavailable",
		Details:  cause.Error(),
	}
	if err := w.store.CreateLog(entry); err != nil {
		w.logger.Error().Err(err).Msg("Failed to persist observation gap log entry")
		return
	}
	w.bus.Publish(events.TopicNewLog, entry)
}

func (w *Watcher) clearGap() {
	w.mu.Lock()
	w.notified = false
	w.mu.Unlock()
}
