// Package advisor maps one rover's soil readings to the task it should do.
package advisor

import "fleetnav/internal/domain"

type Thresholds struct {
	LowMoisture float64
	// DryMoisture is the moisture below which high temperature calls for
	// irrigation.
	DryMoisture float64
	HighTemp    float64
	// WetMoisture is the moisture above which weeds thrive in the
	// WeedTempMin..WeedTempMax band.
	WetMoisture float64
	WeedTempMin float64
	WeedTempMax float64
	LowPH       float64
	HighPH      float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		LowMoisture: 25,
		DryMoisture: 30,
		HighTemp:    30,
		WetMoisture: 30,
		WeedTempMin: 20,
		WeedTempMax: 35,
		LowPH:       5.5,
		HighPH:      7.5,
	}
}

// Rule names the decision rule that produced a recommendation.
type Rule string

const (
	RuleDrySoil     Rule = "dry_soil"
	RuleHotDrySoil  Rule = "hot_dry_soil"
	RuleWeedBand    Rule = "weed_band"
	RulePHImbalance Rule = "ph_imbalance"
	RuleDefault     Rule = "default"
)

type Recommendation struct {
	Task domain.TaskKind `json:"task"`
	Rule Rule            `json:"rule"`
}

type Recommender struct {
	th Thresholds
}

func New(th Thresholds) *Recommender {
	return &Recommender{th: th}
}

// Recommend evaluates the rules in priority order and returns the first
// match: irrigation, weeding, soil analysis, then crop monitoring.
func (r *Recommender) Recommend(s domain.SensorSnapshot) Recommendation {
	th := r.th
	switch {
	case s.SoilMoisture < th.LowMoisture:
		return Recommendation{Task: domain.TaskIrrigation, Rule: RuleDrySoil}
	case s.Temperature > th.HighTemp && s.SoilMoisture < th.DryMoisture:
		return Recommendation{Task: domain.TaskIrrigation, Rule: RuleHotDrySoil}
	case s.SoilMoisture > th.WetMoisture && s.Temperature >= th.WeedTempMin && s.Temperature <= th.WeedTempMax:
		return Recommendation{Task: domain.TaskWeeding, Rule: RuleWeedBand}
	case s.SoilPH < th.LowPH || s.SoilPH > th.HighPH:
		return Recommendation{Task: domain.TaskSoilAnalysis, Rule: RulePHImbalance}
	default:
		return Recommendation{Task: domain.TaskCropMonitoring, Rule: RuleDefault}
	}
}

func (r *Recommender) BestTask(s domain.SensorSnapshot) domain.TaskKind {
	return r.Recommend(s).Task
}
