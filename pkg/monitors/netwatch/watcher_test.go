package netwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/enforce"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/policy"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

// scriptedSource replays a fixed packet sequence and closes its channel, so
// Run can be driven synchronously in tests.
type scriptedSource struct {
	packets []model.Packet
	err     error
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Capture(ctx context.Context) (<-chan model.Packet, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan model.Packet, len(s.packets)+1)
	for _, p := range s.packets {
		out <- p
	}
	close(out)
	return out, nil
}

type netEnv struct {
	engine  *policy.Engine
	store   *store.Store
	adminID string
}

func newNetEnv(t *testing.T) *netEnv {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend := enforce.NewMemoryBackend()
	bus := events.NewBus(logger, 16)
	enforcer := enforce.NewController(config.EnforceConfig{
		QuarantineDir: filepath.Join(t.TempDir(), "quarantine"),
		Timeout:       2 * time.Second,
		MaxRetries:    0,
	}, backend, st, bus, logger)

	engine := policy.NewEngine(config.NetworkConfig{RejectThreshold: 3, RejectWindow: time.Minute}, st, enforcer, bus, logger)

	admin, err := st.GetUserByUsername("admin")
	require.NoError(t, err)
	return &netEnv{engine: engine, store: st, adminID: admin.ID}
}

func (env *netEnv) watcher(t *testing.T, source PacketSource) *Watcher {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	bus := events.NewBus(logger, 16)
	return NewWatcher(config.NetworkConfig{}, source, env.engine, env.store, bus, logger)
}

func tcpPacket(src string, dstPort int) model.Packet {
	return model.Packet{
		Timestamp: time.Now(),
		Protocol:  "tcp",
		SrcIP:     src,
		SrcPort:   51234,
		DstIP:     "10.0.0.5",
		DstPort:   dstPort,
		Size:      60,
		Direction: model.DirectionIncoming,
	}
}

func TestWatcherFeedsPacketsToEngine(t *testing.T) {
	env := newNetEnv(t)
	ctx := context.Background()

	_, err := env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Port: 445, Protocol: "tcp"}, env.adminID)
	require.NoError(t, err)

	source := &scriptedSource{packets: []model.Packet{
		tcpPacket("203.0.113.7", 445),
	}}
	w := env.watcher(t, source)
	w.Run(ctx)

	alerts, total, err := env.engine.ListAlerts(store.AlertFilter{Type: model.AlertNetwork})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, model.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "Connection blocked", alerts[0].Title)
}

func TestWatcherDenyAllDropsEveryPacket(t *testing.T) {
	env := newNetEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.SetPolicy(ctx, model.PolicyDenyAll, env.adminID))

	source := &scriptedSource{packets: []model.Packet{
		tcpPacket("198.51.100.1", 80),
		tcpPacket("198.51.100.2", 22),
		{Timestamp: time.Now(), Protocol: "udp", SrcIP: "198.51.100.3", DstIP: "10.0.0.5", DstPort: 53, Direction: model.DirectionIncoming},
	}}
	w := env.watcher(t, source)
	w.Run(ctx)

	_, total, err := env.engine.ListAlerts(store.AlertFilter{Type: model.AlertNetwork})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestCaptureFailureLogsGapOnce(t *testing.T) {
	env := newNetEnv(t)
	ctx := context.Background()

	source := &scriptedSource{err: fmt.Errorf("tcpdump: permission denied")}
	w := env.watcher(t, source)

	w.Run(ctx)
	w.Run(ctx)

	logs, total, err := env.store.ListLogs(store.LogFilter{Level: model.LogWarning, Category: model.CategorySystem})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Contains(t, logs[0].Message, "packet capture unavailable")

	// A successful capture resets the gap so the next outage logs again.
	source.err = nil
	w.Run(ctx)
	source.err = fmt.Errorf("tcpdump: permission denied")
	w.Run(ctx)

	_, total, err = env.store.ListLogs(store.LogFilter{Level: model.LogWarning, Category: model.CategorySystem})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestTcpdumpLineParsing(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	source := NewTcpdumpSource("", logger)
	source.localIPs["10.0.0.5"] = true

	cases := []struct {
		name string
		line string
		want model.Packet
		ok   bool
	}{
		{
			name: "tcp syn with ports",
			line: "1724918852.612345 IP 203.0.113.7.51234 > 10.0.0.5.445: Flags [S], seq 100, win 64240, length 0",
			want: model.Packet{
				Protocol:  "tcp",
				SrcIP:     "203.0.113.7",
				SrcPort:   51234,
				DstIP:     "10.0.0.5",
				DstPort:   445,
				Size:      0,
				Direction: model.DirectionIncoming,
			},
			ok: true,
		},
		{
			name: "udp with length",
			line: "1724918853.000001 IP 10.0.0.5.40000 > 8.8.8.8.53: UDP, length 48",
			want: model.Packet{
				Protocol:  "udp",
				SrcIP:     "10.0.0.5",
				SrcPort:   40000,
				DstIP:     "8.8.8.8",
				DstPort:   53,
				Size:      48,
				Direction: model.DirectionOutgoing,
			},
			ok: true,
		},
		{
			name: "icmp without ports",
			line: "1724918854.500000 IP 192.0.2.1 > 10.0.0.5: ICMP echo request, id 1, seq 1, length 64",
			want: model.Packet{
				Protocol:  "icmp",
				SrcIP:     "192.0.2.1",
				DstIP:     "10.0.0.5",
				Size:      64,
				Direction: model.DirectionIncoming,
			},
			ok: true,
		},
		{
			name: "no timestamp",
			line: "IP 1.2.3.4.80 > 5.6.7.8.443: Flags [.]",
			ok:   false,
		},
		{
			name: "no addresses",
			line: "1724918855.000000 listening on eth0, link-type EN10MB",
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := source.parseLine(tc.line)
			require.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}
			assert.Equal(t, tc.want.Protocol, got.Protocol)
			assert.Equal(t, tc.want.SrcIP, got.SrcIP)
			assert.Equal(t, tc.want.SrcPort, got.SrcPort)
			assert.Equal(t, tc.want.DstIP, got.DstIP)
			assert.Equal(t, tc.want.DstPort, got.DstPort)
			assert.Equal(t, tc.want.Size, got.Size)
			assert.Equal(t, tc.want.Direction, got.Direction)
			assert.False(t, got.Timestamp.IsZero())
		})
	}
}

func TestRepeatOffenderThroughWatcher(t *testing.T) {
	env := newNetEnv(t)
	ctx := context.Background()

	_, err := env.engine.AddRule(ctx, model.FirewallRule{Action: model.ActionDeny, Source: "203.0.113.9"}, env.adminID)
	require.NoError(t, err)

	source := &scriptedSource{packets: []model.Packet{
		tcpPacket("203.0.113.9", 80),
		tcpPacket("203.0.113.9", 81),
		tcpPacket("203.0.113.9", 82),
	}}
	w := env.watcher(t, source)
	w.Run(ctx)

	alerts, total, err := env.engine.ListAlerts(store.AlertFilter{Type: model.AlertNetwork})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
	assert.GreaterOrEqual(t, env.engine.ThreatLevel().Rank(), model.ThreatHigh.Rank())
}
