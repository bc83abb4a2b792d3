/*
Copyright 2023 The Streamproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scaling

import (
	"fmt"
	"strconv"
	"time"
)

// Recognized autoscaler keys in the job configuration. String-keyed access
// is confined to this file; decision logic only sees the typed Options.
const (
	keyScalingEnabled                = "job.autoscaler.enabled"
	keyStabilizationInterval         = "job.autoscaler.stabilization.interval"
	keyTargetUtilization             = "job.autoscaler.target.utilization"
	keyTargetUtilizationBoundary     = "job.autoscaler.target.utilization.boundary"
	keyMaxScaleDownFactor            = "job.autoscaler.scale-down.max-factor"
	keyCatchUpDuration               = "job.autoscaler.catch-up.duration"
	keyRestartTime                   = "job.autoscaler.restart.time"
	keyEffectivenessDetectionEnabled = "job.autoscaler.scaling.effectiveness.detection.enabled"
	keyEffectivenessImpactThreshold  = "job.autoscaler.scaling.effectiveness.threshold"
	keyScalingHistoryAge             = "job.autoscaler.history.age"
)

// Options holds the autoscaler tunables of one resource. It is parsed once
// per reconciliation pass and immutable afterwards.
type Options struct {
	// ScalingEnabled turns the autoscaler on for the resource.
	ScalingEnabled bool
	// StabilizationInterval is the minimum continuous time the job must
	// have been observed running before a scaling decision is permitted.
	StabilizationInterval time.Duration
	// TargetUtilization is the fraction of the true processing capacity
	// the autoscaler aims to utilize, in (0, 1].
	TargetUtilization float64
	// TargetUtilizationBoundary widens the acceptance band around the
	// target within which no rescale is triggered.
	TargetUtilizationBoundary float64
	// MaxScaleDownFactor bounds the relative parallelism decrease per
	// decision cycle, in (0, 1].
	MaxScaleDownFactor float64
	// CatchUpDuration is the time within which an accumulated backlog
	// should be drained. Zero disables backlog based scaling.
	CatchUpDuration time.Duration
	// RestartTime is the expected downtime of a rescale, factored into
	// the scale target so the backlog built up while restarting is also
	// drained within the catch-up duration.
	RestartTime time.Duration
	// EffectivenessDetectionEnabled suppresses repeated scale-ups that
	// showed no measurable effect.
	EffectivenessDetectionEnabled bool
	// EffectivenessImpactThreshold is the minimum fraction of the expected
	// processing-rate increase that must be observed for a past scale-up
	// to count as effective.
	EffectivenessImpactThreshold float64
	// ScalingHistoryAge is how long scaling decisions are kept in the
	// per-vertex history.
	ScalingHistoryAge time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ScalingEnabled:                false,
		StabilizationInterval:         5 * time.Minute,
		TargetUtilization:             0.7,
		TargetUtilizationBoundary:     0.1,
		MaxScaleDownFactor:            0.6,
		CatchUpDuration:               15 * time.Minute,
		RestartTime:                   5 * time.Minute,
		EffectivenessDetectionEnabled: false,
		EffectivenessImpactThreshold:  0.1,
		ScalingHistoryAge:             24 * time.Hour,
	}
}

// OptionsFrom parses the recognized autoscaler keys out of the job
// configuration, applying defaults for absent keys, and validates the
// result.
func OptionsFrom(config map[string]string) (Options, error) {
	opts := DefaultOptions()
	var err error
	if opts.ScalingEnabled, err = parseBool(config, keyScalingEnabled, opts.ScalingEnabled); err != nil {
		return opts, err
	}
	if opts.StabilizationInterval, err = parseDuration(config, keyStabilizationInterval, opts.StabilizationInterval); err != nil {
		return opts, err
	}
	if opts.TargetUtilization, err = parseFloat(config, keyTargetUtilization, opts.TargetUtilization); err != nil {
		return opts, err
	}
	if opts.TargetUtilizationBoundary, err = parseFloat(config, keyTargetUtilizationBoundary, opts.TargetUtilizationBoundary); err != nil {
		return opts, err
	}
	if opts.MaxScaleDownFactor, err = parseFloat(config, keyMaxScaleDownFactor, opts.MaxScaleDownFactor); err != nil {
		return opts, err
	}
	if opts.CatchUpDuration, err = parseDuration(config, keyCatchUpDuration, opts.CatchUpDuration); err != nil {
		return opts, err
	}
	if opts.RestartTime, err = parseDuration(config, keyRestartTime, opts.RestartTime); err != nil {
		return opts, err
	}
	if opts.EffectivenessDetectionEnabled, err = parseBool(config, keyEffectivenessDetectionEnabled, opts.EffectivenessDetectionEnabled); err != nil {
		return opts, err
	}
	if opts.EffectivenessImpactThreshold, err = parseFloat(config, keyEffectivenessImpactThreshold, opts.EffectivenessImpactThreshold); err != nil {
		return opts, err
	}
	if opts.ScalingHistoryAge, err = parseDuration(config, keyScalingHistoryAge, opts.ScalingHistoryAge); err != nil {
		return opts, err
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate rejects nonsensical tunables before any decision logic runs.
func (o Options) Validate() error {
	if o.TargetUtilization <= 0 || o.TargetUtilization > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %v", keyTargetUtilization, o.TargetUtilization)
	}
	if o.TargetUtilizationBoundary < 0 {
		return fmt.Errorf("%s must not be negative, got %v", keyTargetUtilizationBoundary, o.TargetUtilizationBoundary)
	}
	if o.MaxScaleDownFactor <= 0 || o.MaxScaleDownFactor > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %v", keyMaxScaleDownFactor, o.MaxScaleDownFactor)
	}
	if o.EffectivenessImpactThreshold < 0 || o.EffectivenessImpactThreshold > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %v", keyEffectivenessImpactThreshold, o.EffectivenessImpactThreshold)
	}
	for key, d := range map[string]time.Duration{
		keyStabilizationInterval: o.StabilizationInterval,
		keyCatchUpDuration:       o.CatchUpDuration,
		keyRestartTime:           o.RestartTime,
		keyScalingHistoryAge:     o.ScalingHistoryAge,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", key, d)
		}
	}
	return nil
}

func parseBool(config map[string]string, key string, def bool) (bool, error) {
	raw, ok := config[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("invalid value %q for %s, %w", raw, key, err)
	}
	return v, nil
}

func parseFloat(config map[string]string, key string, def float64) (float64, error) {
	raw, ok := config[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, fmt.Errorf("invalid value %q for %s, %w", raw, key, err)
	}
	return v, nil
}

func parseDuration(config map[string]string, key string, def time.Duration) (time.Duration, error) {
	raw, ok := config[key]
	if !ok {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("invalid value %q for %s, %w", raw, key, err)
	}
	return v, nil
}
