package bridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"guildbridge/internal/config"
	"guildbridge/internal/model"
	"guildbridge/internal/ratelimit"
)

func testConfig() *config.Config {
	return &config.Config{
		MessageBatchSize:    10,
		MaxHistoryMessages:  100,
		MessageTTLSeconds:   86400,
		CleanupInterval:     time.Hour,
		HealthCheckInterval: time.Hour,
	}
}

type fakeSource struct {
	mu       sync.Mutex
	guilds   []*model.GuildRecord
	recent   map[string][]*model.Message
	sessions int
	initErr  error
}

func (f *fakeSource) Initialize(context.Context) error     { return f.initErr }
func (f *fakeSource) DiscoverGuilds(context.Context) error { return nil }
func (f *fakeSource) RunGateway(ctx context.Context, _ func(*model.Message)) {
	<-ctx.Done()
}
func (f *fakeSource) RecentMessages(_ context.Context, _, channelID string, _ int) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent[channelID], nil
}
func (f *fakeSource) Guilds() []*model.GuildRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guilds
}
func (f *fakeSource) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}
func (f *fakeSource) Cleanup() {}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]*model.Message
	got     chan []*model.Message
	polling atomic.Bool
	initErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{got: make(chan []*model.Message, 16)}
}

func (f *fakeSink) Initialize(context.Context) error { return f.initErr }
func (f *fakeSink) SendBatch(_ context.Context, msgs []*model.Message) int {
	batch := make([]*model.Message, len(msgs))
	copy(batch, msgs)
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	f.got <- batch
	return len(batch)
}
func (f *fakeSink) RunPoller(ctx context.Context, _ func() string) {
	f.polling.Store(true)
	<-ctx.Done()
	f.polling.Store(false)
}
func (f *fakeSink) PollerRunning() bool                    { return f.polling.Load() }
func (f *fakeSink) CleanInvalidTopics(context.Context) int { return 0 }
func (f *fakeSink) PruneMessages(time.Duration) int        { return 0 }
func (f *fakeSink) MappingCounts() (int, int)              { return 0, 0 }
func (f *fakeSink) Cleanup()                               {}

func testMsg(t *testing.T, guild, content string, ts time.Time) *model.Message {
	t.Helper()
	m, err := model.NewMessage(model.RawMessage{
		Content:     content,
		Timestamp:   ts,
		GuildName:   guild,
		ChannelName: "announcements",
		Author:      "tester",
	})
	if err != nil {
		t.Fatalf("NewMessage() = %v", err)
	}
	return m
}

func testGuild(t *testing.T, name string, accessibleChannels int) *model.GuildRecord {
	t.Helper()
	g := model.NewGuildRecord(name, "100000000000000001", 10)
	for i := 0; i < accessibleChannels; i++ {
		g.AddChannel(&model.ChannelRecord{
			ChannelID:      "20000000000000000" + string(rune('1'+i)),
			ChannelName:    "announcements",
			HTTPAccessible: true,
		})
	}
	g.UpdateStats()
	return g
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	p := NewProcessor(testConfig(), &fakeSource{}, newFakeSink(), nil, zerolog.Nop())

	base := time.Now().Add(-time.Hour)
	for i := 0; i < ingressCapacity; i++ {
		p.Enqueue(testMsg(t, "Alpha", "fill", base))
	}
	if got := p.Stats().ErrorsLastHour; got != 0 {
		t.Fatalf("errors after filling to capacity = %d, want 0", got)
	}
	if got := p.QueueDepth(); got != ingressCapacity {
		t.Fatalf("queue depth = %d, want %d", got, ingressCapacity)
	}

	p.Enqueue(testMsg(t, "Alpha", "overflow", base))

	stats := p.Stats()
	if stats.ErrorsLastHour != 1 {
		t.Errorf("errors after overflow = %d, want 1", stats.ErrorsLastHour)
	}
	if stats.LastError != "queue full" {
		t.Errorf("last error = %q, want %q", stats.LastError, "queue full")
	}
	if got := p.QueueDepth(); got != ingressCapacity {
		t.Errorf("queue depth after drop = %d, want unchanged %d", got, ingressCapacity)
	}
}

func TestStart_FlushesAtBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.MessageBatchSize = 3
	source := &fakeSource{sessions: 1}
	sink := newFakeSink()
	p := NewProcessor(cfg, source, sink, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer p.Stop()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		p.Enqueue(testMsg(t, "Alpha", "live", base.Add(time.Duration(i)*time.Second)))
	}

	select {
	case batch := <-sink.got:
		if len(batch) != 3 {
			t.Errorf("flushed batch size = %d, want 3", len(batch))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not flushed at threshold size")
	}

	if got := p.Stats().MessagesProcessedTotal; got != 3 {
		t.Errorf("processed total = %d, want 3", got)
	}
}

func TestStart_SourceInitFailureAborts(t *testing.T) {
	source := &fakeSource{initErr: context.DeadlineExceeded}
	p := NewProcessor(testConfig(), source, newFakeSink(), nil, zerolog.Nop())

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start() = nil, want source init error")
	}
	if p.Running() {
		t.Error("pipeline reports running after failed start")
	}
}

func TestInitialBackfill_PullsAccessibleChannels(t *testing.T) {
	cfg := testConfig()
	cfg.MessageBatchSize = 4

	base := time.Now().Add(-time.Hour)
	source := &fakeSource{
		sessions: 1,
		guilds:   []*model.GuildRecord{testGuild(t, "Alpha", 2)},
		recent: map[string][]*model.Message{
			"200000000000000001": {testMsg(t, "Alpha", "h1", base), testMsg(t, "Alpha", "h2", base.Add(time.Second))},
			"200000000000000002": {testMsg(t, "Alpha", "h3", base), testMsg(t, "Alpha", "h4", base.Add(time.Second))},
		},
	}
	sink := newFakeSink()
	p := NewProcessor(cfg, source, sink, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer p.Stop()

	select {
	case batch := <-sink.got:
		if len(batch) != 4 {
			t.Errorf("backfill batch size = %d, want 4", len(batch))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backfill never reached the sink")
	}
}

func TestHealthy(t *testing.T) {
	source := &fakeSource{sessions: 1}
	sink := newFakeSink()
	sink.polling.Store(true)
	p := NewProcessor(testConfig(), source, sink, nil, zerolog.Nop())

	if !p.healthy() {
		t.Error("healthy() = false with sessions up, poller up, empty queue")
	}

	source.mu.Lock()
	source.sessions = 0
	source.mu.Unlock()
	if p.healthy() {
		t.Error("healthy() = true with no sessions")
	}
	source.mu.Lock()
	source.sessions = 1
	source.mu.Unlock()

	sink.polling.Store(false)
	if p.healthy() {
		t.Error("healthy() = true with poller down")
	}
	sink.polling.Store(true)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < ingressHighWater; i++ {
		p.Enqueue(testMsg(t, "Alpha", "fill", base))
	}
	if p.healthy() {
		t.Error("healthy() = true with queue at high-water mark")
	}
}

func TestStatus(t *testing.T) {
	source := &fakeSource{
		sessions: 1,
		guilds:   []*model.GuildRecord{testGuild(t, "Alpha", 2)},
	}
	sink := newFakeSink()
	sink.polling.Store(true)
	limiter := ratelimit.New("discord", ratelimit.PerSecond(2))
	p := NewProcessor(testConfig(), source, sink, []*ratelimit.Limiter{limiter}, zerolog.Nop())
	p.startTime = time.Now()

	status := p.Status()
	if status["health_score"].(float64) <= 0 {
		t.Errorf("health_score = %v, want positive", status["health_score"])
	}
	if status["status"].(string) == "" {
		t.Error("status banner is empty")
	}
	if status["discord_sessions"].(int) != 1 {
		t.Errorf("discord_sessions = %v, want 1", status["discord_sessions"])
	}

	text := p.StatusText()
	for _, want := range []string{"Servers: 1 active / 1 total", "Channels: 2 active / 2 total", "Limiter discord"} {
		if !strings.Contains(text, want) {
			t.Errorf("StatusText() missing %q:\n%s", want, text)
		}
	}
}
