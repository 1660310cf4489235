// Package health classifies agent health and drives auto-restarts.
package health

import (
	"fmt"
	"time"

	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/runtime"
)

type Thresholds struct {
	ErrorRatePercent float64
	ResponseTimeMs   int64
	CPUPercent       float64
	MemoryMB         float64
	InactivityAfter  time.Duration
	ActivityWindow   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRatePercent: 25,
		ResponseTimeMs:   5000,
		CPUPercent:       80,
		MemoryMB:         500,
		InactivityAfter:  30 * time.Minute,
		ActivityWindow:   15 * time.Minute,
	}
}

// Inputs is everything one check observed about an agent.
type Inputs struct {
	Deployment string

	// Container is nil when the agent is not container managed.
	Container    *runtime.ContainerState
	ContainerErr error

	Connected bool
	Protocol  string
	RTT       time.Duration
	PingErr   error

	// Bridge is the passively reported bridge client health, nil when absent.
	Bridge *models.BridgeClientHealth

	Activity models.ActivityStats
}

// Classify applies the rules in order; the first matching rule sets the
// status. Every matching rule contributes an alert.
func Classify(in Inputs, th Thresholds, now time.Time) models.HealthRecord {
	rec := models.HealthRecord{
		CheckTime:    now,
		LastActiveAt: in.Activity.LastActiveAt,
		Alerts:       []string{},
	}
	if in.Container != nil {
		rec.ContainerStatus = in.Container.Status
		rec.CPUUsage = in.Container.CPUPercent
		rec.MemoryUsageMB = in.Container.MemoryMB
	}
	if in.Activity.Total > 0 {
		rec.ErrorRatePercent = float64(in.Activity.Errors) * 100 / float64(in.Activity.Total)
	}
	if minutes := th.ActivityWindow.Minutes(); minutes > 0 {
		rec.MessageRatePerMinute = float64(in.Activity.Total) / minutes
	}
	if in.Connected && in.PingErr == nil {
		rec.ResponseTimeMs = in.RTT.Milliseconds()
	}

	status := models.HealthHealthy
	raise := func(s, alert string) {
		if status == models.HealthHealthy {
			status = s
		}
		rec.Alerts = append(rec.Alerts, alert)
	}

	switch {
	case in.Container != nil && in.Container.Failed():
		msg := fmt.Sprintf("container %s", in.Container.Status)
		if in.Container.Error != "" {
			msg += ": " + in.Container.Error
		} else if in.Container.ExitCode != 0 {
			msg += fmt.Sprintf(" with code %d", in.Container.ExitCode)
		}
		raise(models.HealthUnreachable, msg)
	case in.Bridge != nil && !in.Bridge.GatewayRunning:
		raise(models.HealthUnreachable, "agent gateway process is not running")
	case in.Connected && in.PingErr != nil:
		raise(models.HealthUnreachable, fmt.Sprintf("tunnel ping failed: %v", in.PingErr))
	case !in.Connected && !(in.Container != nil && in.Container.Running):
		if in.ContainerErr != nil {
			raise(models.HealthUnreachable, fmt.Sprintf("agent disconnected and container state unknown: %v", in.ContainerErr))
		} else {
			raise(models.HealthUnreachable, "agent is not connected")
		}
	}

	if th.ErrorRatePercent > 0 && rec.ErrorRatePercent > th.ErrorRatePercent {
		raise(models.HealthUnhealthy, fmt.Sprintf("error rate %.1f%% over the last %s exceeds %.0f%%",
			rec.ErrorRatePercent, th.ActivityWindow, th.ErrorRatePercent))
	}
	if th.ResponseTimeMs > 0 && rec.ResponseTimeMs > th.ResponseTimeMs {
		raise(models.HealthDegraded, fmt.Sprintf("response time %dms exceeds %dms", rec.ResponseTimeMs, th.ResponseTimeMs))
	}
	if th.CPUPercent > 0 && rec.CPUUsage > th.CPUPercent {
		raise(models.HealthDegraded, fmt.Sprintf("CPU usage %.1f%% exceeds %.0f%%", rec.CPUUsage, th.CPUPercent))
	}
	if th.MemoryMB > 0 && rec.MemoryUsageMB > th.MemoryMB {
		raise(models.HealthDegraded, fmt.Sprintf("memory usage %.0fMB exceeds %.0fMB", rec.MemoryUsageMB, th.MemoryMB))
	}
	// agents that never handled a message are not flagged
	if th.InactivityAfter > 0 && in.Activity.LastActiveAt != nil && now.Sub(*in.Activity.LastActiveAt) > th.InactivityAfter {
		raise(models.HealthDegraded, fmt.Sprintf("no activity for %s", now.Sub(*in.Activity.LastActiveAt).Truncate(time.Minute)))
	}

	rec.Status = status
	return rec
}
