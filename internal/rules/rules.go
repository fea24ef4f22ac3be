package rules

import (
	"fmt"

	"helmguard/internal/config"
	"helmguard/internal/model"
)

// Evaluate runs every safety rule against one telemetry record in fixed
// order. Rules are independent: several candidates may fire from a single
// record. Numeric comparisons are strict, so a reading exactly at a
// threshold boundary does not alert.
func Evaluate(t model.Telemetry, th config.ThresholdsConfig) []model.AlertCandidate {
	var out []model.AlertCandidate

	if t.SOS {
		out = append(out, model.AlertCandidate{
			Type:     model.AlertSOS,
			Severity: model.SeverityCritical,
			Value:    "sos button pressed",
		})
	}
	if t.Fall {
		value := "fall detected"
		if t.AccelMagnitude != nil {
			value = fmt.Sprintf("fall detected, accel %.2fg", *t.AccelMagnitude)
		}
		out = append(out, model.AlertCandidate{
			Type:     model.AlertFall,
			Severity: model.SeverityCritical,
			Value:    value,
		})
	}
	if t.HelmetOn != nil && !*t.HelmetOn {
		out = append(out, model.AlertCandidate{
			Type:     model.AlertHelmetOff,
			Severity: model.SeverityMedium,
			Value:    "helmet removed",
		})
	}
	if t.Temperature != nil && *t.Temperature > th.MaxTemperature {
		out = append(out, model.AlertCandidate{
			Type:     model.AlertHighTemp,
			Severity: model.SeverityHigh,
			Value:    fmt.Sprintf("body temperature %.1f above %.1f", *t.Temperature, th.MaxTemperature),
		})
	}
	if t.GasLevel != nil && *t.GasLevel > th.MaxGasLevel {
		out = append(out, model.AlertCandidate{
			Type:     model.AlertGas,
			Severity: model.SeverityCritical,
			Value:    fmt.Sprintf("gas level %.0f above %.0f", *t.GasLevel, th.MaxGasLevel),
		})
	}
	if t.HeartRate != nil && (*t.HeartRate < th.HeartRateMin || *t.HeartRate > th.HeartRateMax) {
		out = append(out, model.AlertCandidate{
			Type:     model.AlertAbnormalHeartRate,
			Severity: model.SeverityHigh,
			Value:    fmt.Sprintf("heart rate %.0f outside [%.0f, %.0f]", *t.HeartRate, th.HeartRateMin, th.HeartRateMax),
		})
	}
	if t.UnsafeBehavior != "" {
		out = append(out, model.AlertCandidate{
			Type:     model.AlertUnsafeBehavior,
			Severity: model.SeverityMedium,
			Value:    t.UnsafeBehavior,
		})
	}
	return out
}
