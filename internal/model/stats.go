package model

import "time"

// SystemStats is the rolled-up counter set surfaced on the status endpoint.
// A single writer (the orchestrator's stats loop) mutates it under the
// orchestrator's lock; everything here is plain data.
type SystemStats struct {
	TotalServers   int `json:"total_servers"`
	TotalChannels  int `json:"total_channels"`
	ActiveServers  int `json:"active_servers"`
	ActiveChannels int `json:"active_channels"`

	MessagesProcessedToday int `json:"messages_processed_today"`
	MessagesProcessedTotal int `json:"messages_processed_total"`

	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	MemoryUsageMB         float64 `json:"memory_usage_mb"`
	UptimeSeconds         int     `json:"uptime_seconds"`

	DiscordRequestsPerHour  int `json:"discord_requests_per_hour"`
	TelegramRequestsPerHour int `json:"telegram_requests_per_hour"`

	ErrorsLastHour int       `json:"errors_last_hour"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitzero"`
}

// HealthScore derives a [0,100] score from the current counters.
// Pure function of (errors_last_hour, memory_usage_mb, active_channels):
// start at 100, subtract min(50, 5*errors), 20 for memory above 1.5 GB,
// 30 when no channel is accessible.
func (s SystemStats) HealthScore() float64 {
	score := 100.0

	if s.ErrorsLastHour > 0 {
		penalty := float64(s.ErrorsLastHour) * 5
		if penalty > 50 {
			penalty = 50
		}
		score -= penalty
	}
	if s.MemoryUsageMB > 1500 {
		score -= 20
	}
	if s.ActiveChannels == 0 {
		score -= 30
	}

	if score < 0 {
		score = 0
	}
	return score
}

// StatusBanner maps the health score onto the user-visible banner.
func (s SystemStats) StatusBanner() string {
	switch health := s.HealthScore(); {
	case health >= 90:
		return "🟢 Excellent"
	case health >= 70:
		return "🟡 Good"
	case health >= 50:
		return "🟠 Warning"
	default:
		return "🔴 Critical"
	}
}
