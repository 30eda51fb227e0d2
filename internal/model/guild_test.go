package model

import "testing"

func TestGuildRecord_ChannelCap(t *testing.T) {
	g := NewGuildRecord("Alpha", "123456789012345678", 3)

	for i := 0; i < 3; i++ {
		c := &ChannelRecord{ChannelID: string(rune('a' + i)), ChannelName: "announcements"}
		if !g.AddChannel(c) {
			t.Fatalf("AddChannel %d rejected under cap", i)
		}
	}
	if g.AddChannel(&ChannelRecord{ChannelID: "overflow"}) {
		t.Fatal("AddChannel allowed past cap")
	}
	if len(g.Channels) != g.MaxChannels {
		t.Fatalf("|channels| = %d, cap %d", len(g.Channels), g.MaxChannels)
	}

	// Removing frees a slot.
	if !g.RemoveChannel("a") {
		t.Fatal("RemoveChannel failed for present channel")
	}
	if !g.AddChannel(&ChannelRecord{ChannelID: "replacement"}) {
		t.Fatal("AddChannel rejected after removal")
	}
}

func TestNewGuildRecord_CapClamp(t *testing.T) {
	if g := NewGuildRecord("g", "1", 100); g.MaxChannels != MaxChannelsCap {
		t.Errorf("cap = %d, want %d", g.MaxChannels, MaxChannelsCap)
	}
	if g := NewGuildRecord("g", "1", 0); g.MaxChannels != 1 {
		t.Errorf("cap = %d, want 1", g.MaxChannels)
	}
}

func TestGuildRecord_UpdateStats(t *testing.T) {
	g := NewGuildRecord("Alpha", "123456789012345678", 5)
	g.AddChannel(&ChannelRecord{ChannelID: "1", HTTPAccessible: true})
	g.AddChannel(&ChannelRecord{ChannelID: "2"})
	g.AddChannel(&ChannelRecord{ChannelID: "3", StreamAccessible: true})

	g.UpdateStats()
	if g.Status != GuildActive {
		t.Errorf("status = %s, want active", g.Status)
	}
	if g.ActiveChannels != 2 {
		t.Errorf("active channels = %d, want 2", g.ActiveChannels)
	}
	if g.LastSync.IsZero() {
		t.Error("last sync not set")
	}

	// No accessible channel: guild goes inactive.
	g.Channels["1"].HTTPAccessible = false
	g.Channels["3"].StreamAccessible = false
	g.UpdateStats()
	if g.Status != GuildInactive {
		t.Errorf("status = %s, want inactive", g.Status)
	}
}

func TestChannelRecord_AccessMethod(t *testing.T) {
	cases := []struct {
		http, stream bool
		want         string
	}{
		{true, true, "HTTP+Stream"},
		{true, false, "HTTP only"},
		{false, true, "Stream only"},
		{false, false, "No access"},
	}
	for _, tc := range cases {
		c := &ChannelRecord{HTTPAccessible: tc.http, StreamAccessible: tc.stream}
		if got := c.AccessMethod(); got != tc.want {
			t.Errorf("AccessMethod(%v,%v) = %q, want %q", tc.http, tc.stream, got, tc.want)
		}
		if c.Accessible() != (tc.http || tc.stream) {
			t.Errorf("Accessible(%v,%v) wrong", tc.http, tc.stream)
		}
	}
}

func TestHealthScore(t *testing.T) {
	cases := []struct {
		name   string
		stats  SystemStats
		want   float64
		banner string
	}{
		{"all good", SystemStats{ActiveChannels: 10}, 100, "🟢 Excellent"},
		{"few errors", SystemStats{ActiveChannels: 10, ErrorsLastHour: 3}, 85, "🟡 Good"},
		{"error cap", SystemStats{ActiveChannels: 10, ErrorsLastHour: 1000}, 50, "🟠 Warning"},
		{"high memory", SystemStats{ActiveChannels: 10, MemoryUsageMB: 2000}, 80, "🟡 Good"},
		{"no channels", SystemStats{}, 70, "🟡 Good"},
		{"everything wrong", SystemStats{ErrorsLastHour: 100, MemoryUsageMB: 2000}, 0, "🔴 Critical"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.stats.HealthScore(); got != tc.want {
				t.Errorf("HealthScore() = %v, want %v", got, tc.want)
			}
			if got := tc.stats.StatusBanner(); got != tc.banner {
				t.Errorf("StatusBanner() = %q, want %q", got, tc.banner)
			}
			if s := tc.stats.HealthScore(); s < 0 || s > 100 {
				t.Errorf("score %v outside [0,100]", s)
			}
		})
	}
}
