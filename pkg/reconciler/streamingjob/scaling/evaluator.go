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
	"math"
)

// Evaluate transforms the raw per-vertex snapshot of one observation cycle
// into evaluated scaling metrics, including the processing-rate thresholds
// the executor compares against. The input snapshot is not modified.
func Evaluate(collected CollectedMetrics, opts Options) EvaluatedMetrics {
	evaluated := make(EvaluatedMetrics, len(collected))
	for id, vm := range collected {
		metrics := map[ScalingMetric]EvaluatedScalingMetric{
			Parallelism:    Of(float64(vm.Parallelism)),
			TargetDataRate: {Average: vm.DataRateAvg, Current: vm.DataRateCurrent},
			TrueProcessingRate: {
				Average: trueProcessingRate(vm.DataRateAvg, vm.BusyRatioAvg),
				Current: trueProcessingRate(vm.DataRateCurrent, vm.BusyRatioCurrent),
			},
			CatchUpDataRate: Of(catchUpRate(vm.PendingRecords, opts)),
		}
		if vm.MaxParallelism > 0 {
			metrics[MaxParallelism] = Of(float64(vm.MaxParallelism))
		}
		ComputeProcessingRateThresholds(metrics, opts)
		evaluated[id] = metrics
	}
	return evaluated
}

// ComputeProcessingRateThresholds derives the lower and upper processing
// rate thresholds from the target data rate and the catch-up rate. Restart
// time is deliberately left out here: restart cost affects how much to
// scale, not whether current utilization is within tolerance.
func ComputeProcessingRateThresholds(metrics map[ScalingMetric]EvaluatedScalingMetric, opts Options) {
	lower := targetProcessingCapacity(metrics, opts, opts.TargetUtilization+opts.TargetUtilizationBoundary, false)
	upper := targetProcessingCapacity(metrics, opts, opts.TargetUtilization-opts.TargetUtilizationBoundary, false)
	metrics[ScaleUpRateThreshold] = Of(lower)
	metrics[ScaleDownRateThreshold] = Of(upper)
}

// targetProcessingCapacity is the processing rate required to handle the
// target data rate plus backlog catch-up at the given utilization. With
// withRestart, the backlog expected to accumulate during the rescale
// downtime is added so it is drained within the same catch-up window. A
// non-positive utilization yields an unbounded capacity.
func targetProcessingCapacity(metrics map[ScalingMetric]EvaluatedScalingMetric, opts Options, utilization float64, withRestart bool) float64 {
	if utilization <= 0 {
		return math.Inf(1)
	}
	targetRate := metrics[TargetDataRate].Average
	if math.IsNaN(targetRate) {
		return math.NaN()
	}
	catchUp := metrics[CatchUpDataRate].Current
	if withRestart && catchUp > 0 && opts.CatchUpDuration > 0 {
		targetRate += catchUp * opts.RestartTime.Seconds() / opts.CatchUpDuration.Seconds()
	}
	return (targetRate + catchUp) / utilization
}

// catchUpRate is the additional throughput needed to drain the backlog
// within the configured catch-up duration.
func catchUpRate(pending *int64, opts Options) float64 {
	if pending == nil || *pending <= 0 || opts.CatchUpDuration <= 0 {
		return 0
	}
	return float64(*pending) / opts.CatchUpDuration.Seconds()
}

// trueProcessingRate extrapolates the rate the vertex would achieve at full
// utilization from the observed rate and busy ratio.
func trueProcessingRate(dataRate, busyRatio float64) float64 {
	if busyRatio <= 0 {
		return math.NaN()
	}
	return dataRate / busyRatio
}
