// Package sensor cross-checks one rover's soil readings against its peers and
// blends unreliable readings toward the fleet average.
package sensor

import (
	"math"
	"sort"

	"fleetnav/internal/clock"
	"fleetnav/internal/domain"
)

// Config fields left at zero (or negative) take their defaults.
type Config struct {
	// BaseThreshold is the moisture deviation that flags a sensor. pH and
	// temperature use BaseThreshold/PHDivisor and BaseThreshold/TempDivisor.
	BaseThreshold float64
	PHDivisor     float64
	TempDivisor   float64
	// MaxPeers bounds how many other rovers are compared against.
	MaxPeers int
	// TrustedAccuracy is the accuracy above which a working sensor is used
	// without correction.
	TrustedAccuracy float64
}

func (c Config) withDefaults() Config {
	if c.BaseThreshold <= 0 {
		c.BaseThreshold = 25
	}
	if c.PHDivisor <= 0 {
		c.PHDivisor = 10
	}
	if c.TempDivisor <= 0 {
		c.TempDivisor = 2
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 2
	}
	if c.TrustedAccuracy <= 0 {
		c.TrustedAccuracy = 0.8
	}
	return c
}

// Normalisation ranges for the accuracy estimate: moisture percent, the pH
// scale, and the -10..40 C operating temperature span.
var channelRange = map[domain.SensorChannel]float64{
	domain.ChannelMoisture:    100,
	domain.ChannelPH:          14,
	domain.ChannelTemperature: 50,
}

type Detector struct {
	cfg   Config
	clock clock.Clock
}

func NewDetector(cfg Config, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.Real()
	}
	return &Detector{cfg: cfg.withDefaults(), clock: clk}
}

func (d *Detector) Threshold(c domain.SensorChannel) float64 {
	switch c {
	case domain.ChannelMoisture:
		return d.cfg.BaseThreshold
	case domain.ChannelPH:
		return d.cfg.BaseThreshold / d.cfg.PHDivisor
	case domain.ChannelTemperature:
		return d.cfg.BaseThreshold / d.cfg.TempDivisor
	}
	return math.Inf(1)
}

// Peers returns the ids compared against agentID: the first MaxPeers other
// rovers in ascending id order.
func (d *Detector) Peers(agentID string, snapshots map[string]domain.SensorSnapshot) []string {
	ids := make([]string, 0, len(snapshots))
	for id := range snapshots {
		if id != agentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > d.cfg.MaxPeers {
		ids = ids[:d.cfg.MaxPeers]
	}
	return ids
}

// Detect flags each channel of agentID's reading whose deviation from the
// peer average exceeds the channel threshold. Peers are chosen by snapshot
// key, so the reading's own AgentID field is not trusted. With no peers every
// channel is healthy.
func (d *Detector) Detect(agentID string, reading domain.SensorSnapshot, snapshots map[string]domain.SensorSnapshot) domain.SensorHealth {
	health := domain.HealthySensors()
	peers := d.Peers(agentID, snapshots)
	if len(peers) == 0 {
		return health
	}

	now := d.clock.Now()
	for _, ch := range domain.SensorChannels {
		var sum float64
		for _, id := range peers {
			sum += snapshots[id].Reading(ch)
		}
		deviation := math.Abs(reading.Reading(ch) - sum/float64(len(peers)))
		if deviation <= d.Threshold(ch) {
			continue
		}
		failedAt := now
		health.Set(ch, domain.SensorStatus{
			IsWorking:     false,
			AccuracyLevel: clamp01(1 - deviation/channelRange[ch]),
			LastFailure:   &failedAt,
		})
	}
	return health
}

// CorrectedReading blends value with the average of the channel over every
// snapshot in proportion to how unreliable status says the sensor is.
func (d *Detector) CorrectedReading(value float64, ch domain.SensorChannel, status domain.SensorStatus, snapshots map[string]domain.SensorSnapshot) float64 {
	if status.IsWorking && status.AccuracyLevel > d.cfg.TrustedAccuracy {
		return value
	}
	if len(snapshots) == 0 {
		return value
	}
	var sum float64
	for _, s := range snapshots {
		sum += s.Reading(ch)
	}
	avg := sum / float64(len(snapshots))
	return value*status.AccuracyLevel + avg*(1-status.AccuracyLevel)
}

// Correct returns reading with every channel passed through CorrectedReading.
func (d *Detector) Correct(reading domain.SensorSnapshot, health domain.SensorHealth, snapshots map[string]domain.SensorSnapshot) domain.SensorSnapshot {
	out := reading
	for _, ch := range domain.SensorChannels {
		out = out.WithReading(ch, d.CorrectedReading(reading.Reading(ch), ch, health.For(ch), snapshots))
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
