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
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/clock"

	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
	"github.com/streamproj/streamjob/pkg/shared/logging"
)

const (
	// EventReasonScalingExecuted is the event reason emitted when a cycle
	// rewrites the parallelism overrides.
	EventReasonScalingExecuted = "ScalingExecuted"
	// EventReasonIneffectiveScaling is the event reason emitted when a
	// scale up did not yield the expected processing rate increase.
	EventReasonIneffectiveScaling = "IneffectiveScaling"
)

// Executor turns an evaluated metric snapshot into a scaling decision and,
// when a rescale is warranted, writes the resulting parallelism overrides
// into the job spec. It never talks to the cluster itself.
type Executor struct {
	recorder record.EventRecorder
	clock    clock.PassiveClock
}

// NewExecutor returns an Executor using the wall clock.
func NewExecutor(recorder record.EventRecorder) *Executor {
	return &Executor{recorder: recorder, clock: clock.RealClock{}}
}

// WithClock replaces the executor clock, used by tests.
func (e *Executor) WithClock(c clock.PassiveClock) *Executor {
	e.clock = c
	return e
}

// ScaleResource runs one decision cycle for the job. It returns true when
// the job spec was mutated with new parallelism overrides, in which case
// info carries a new history record that the caller must persist.
func (e *Executor) ScaleResource(ctx context.Context, job *sjv1.StreamingJob, info *AutoScalerInfo, opts Options, evaluated EvaluatedMetrics) (bool, error) {
	log := logging.FromContext(ctx)
	if !opts.ScalingEnabled {
		return false, nil
	}
	if job.Status.Job.State != sjv1.JobStateRunning {
		log.Debugw("Job is not running, skipping scaling", "job", job.Name, "state", job.Status.Job.State)
		return false, nil
	}
	if !e.stabilizationPeriodPassed(job, opts) {
		log.Debugw("Waiting for job to stabilize before scaling", "job", job.Name)
		return false, nil
	}
	summaries := e.computeScalingSummary(ctx, job, info, opts, evaluated)
	if len(summaries) == 0 {
		log.Debugw("All vertex parallelisms are already at their target", "job", job.Name)
		return false, nil
	}
	if AllVerticesWithinUtilizationTarget(evaluated, summaries) {
		return false, nil
	}

	now := e.clock.Now()
	info.AddToScalingHistory(now, summaries, opts)
	setVertexParallelismOverrides(job, evaluated, summaries)
	e.recorder.Eventf(job, corev1.EventTypeNormal, EventReasonScalingExecuted,
		"Scaling execution enabled, begin scaling vertices: %s", summariesMessage(summaries))
	return true, nil
}

// stabilizationPeriodPassed reports whether the job has been in its current
// state for at least the stabilization interval. A job without an observed
// state change timestamp is considered stable.
func (e *Executor) stabilizationPeriodPassed(job *sjv1.StreamingJob, opts Options) bool {
	updateTime := job.Status.Job.UpdateTime
	if updateTime == nil {
		return true
	}
	stableTime := updateTime.Add(opts.StabilizationInterval)
	return !e.clock.Now().Before(stableTime)
}

// computeScalingSummary computes the target parallelism of every vertex and
// returns summaries only for the vertices whose parallelism should change.
func (e *Executor) computeScalingSummary(ctx context.Context, job *sjv1.StreamingJob, info *AutoScalerInfo, opts Options, evaluated EvaluatedMetrics) map[sjv1.VertexID]ScalingSummary {
	summaries := map[sjv1.VertexID]ScalingSummary{}
	for vertex, metrics := range evaluated {
		current := int32(metrics[Parallelism].Current)
		target := e.computeScaleTargetParallelism(ctx, job, vertex, info, opts, metrics)
		if target == current {
			continue
		}
		summaries[vertex] = ScalingSummary{
			CurrentParallelism: current,
			NewParallelism:     target,
			Metrics:            metrics,
		}
	}
	return summaries
}

// computeScaleTargetParallelism computes the parallelism a vertex needs to
// process its target data rate at the configured utilization.
func (e *Executor) computeScaleTargetParallelism(ctx context.Context, job *sjv1.StreamingJob, vertex sjv1.VertexID, info *AutoScalerInfo, opts Options, metrics map[ScalingMetric]EvaluatedScalingMetric) int32 {
	log := logging.FromContext(ctx)
	current := int32(metrics[Parallelism].Current)
	avgTrueRate := metrics[TrueProcessingRate].Average
	if math.IsNaN(avgTrueRate) || avgTrueRate <= 0 {
		log.Debugw("True processing rate unavailable, cannot compute a target parallelism", "vertex", vertex)
		return current
	}
	targetCapacity := targetProcessingCapacity(metrics, opts, opts.TargetUtilization, true)
	if math.IsNaN(targetCapacity) {
		log.Debugw("Target processing capacity unavailable, cannot compute a target parallelism", "vertex", vertex)
		return current
	}

	scaleFactor := targetCapacity / avgTrueRate
	minScaleFactor := 1 - opts.MaxScaleDownFactor
	if scaleFactor < minScaleFactor {
		log.Debugw("Capping scale down to the configured maximum", "vertex", vertex, "computedFactor", scaleFactor, "cappedFactor", minScaleFactor)
		scaleFactor = minScaleFactor
	}

	// Shave a small epsilon before rounding up so that a factor which is
	// exactly 1 up to float error does not trigger a spurious scale up.
	target := int32(math.Ceil(scaleFactor*float64(current) - 1e-9))
	if target < 1 {
		target = 1
	}
	if max := int32(metrics[MaxParallelism].Current); max > 0 && target > max {
		target = max
	}

	if target > current && e.detectIneffectiveScaleUp(job, vertex, info, opts, metrics) {
		return current
	}
	return target
}

// detectIneffectiveScaleUp compares the processing rate gain of the last
// scale up against the gain its parallelism increase promised. When the
// actual gain falls below the configured fraction of the expected gain, a
// warning event is emitted and, if blocking is enabled, further scale up of
// the vertex is suppressed.
func (e *Executor) detectIneffectiveScaleUp(job *sjv1.StreamingJob, vertex sjv1.VertexID, info *AutoScalerInfo, opts Options, metrics map[ScalingMetric]EvaluatedScalingMetric) bool {
	last, ok := info.LatestRecord(vertex)
	if !ok {
		return false
	}
	lastSummary := last.Summary
	if lastSummary.NewParallelism <= lastSummary.CurrentParallelism {
		return false
	}
	lastRate := lastSummary.Metrics[TrueProcessingRate].Average
	if math.IsNaN(lastRate) || lastRate <= 0 {
		return false
	}
	expectedIncrease := lastRate * (float64(lastSummary.NewParallelism)/float64(lastSummary.CurrentParallelism) - 1)
	actualIncrease := metrics[TrueProcessingRate].Average - lastRate
	if actualIncrease >= opts.EffectivenessImpactThreshold*expectedIncrease {
		return false
	}
	e.recorder.Eventf(job, corev1.EventTypeWarning, EventReasonIneffectiveScaling,
		"Ineffective scaling detected for vertex %s: expected increase %.2f, actual increase %.2f", vertex, expectedIncrease, actualIncrease)
	return opts.EffectivenessDetectionEnabled
}

// AllVerticesWithinUtilizationTarget reports whether every rescale
// candidate already processes within its utilization boundary, in which
// case the cycle is a no-op.
func AllVerticesWithinUtilizationTarget(evaluated EvaluatedMetrics, summaries map[sjv1.VertexID]ScalingSummary) bool {
	for vertex := range summaries {
		metrics := evaluated[vertex]
		processingRate := metrics[TrueProcessingRate].Average
		scaleUpThreshold := metrics[ScaleUpRateThreshold].Current
		scaleDownThreshold := metrics[ScaleDownRateThreshold].Current
		if processingRate < scaleUpThreshold || processingRate > scaleDownThreshold {
			return false
		}
	}
	return true
}

// setVertexParallelismOverrides writes the override map for every evaluated
// vertex, keeping unchanged vertices pinned at their current parallelism.
func setVertexParallelismOverrides(job *sjv1.StreamingJob, evaluated EvaluatedMetrics, summaries map[sjv1.VertexID]ScalingSummary) {
	overrides := make(map[sjv1.VertexID]int32, len(evaluated))
	for vertex, metrics := range evaluated {
		if summary, ok := summaries[vertex]; ok {
			overrides[vertex] = summary.NewParallelism
		} else {
			overrides[vertex] = int32(metrics[Parallelism].Current)
		}
	}
	job.Spec.SetParallelismOverrides(overrides)
}

func summariesMessage(summaries map[sjv1.VertexID]ScalingSummary) string {
	ids := make([]string, 0, len(summaries))
	for vertex := range summaries {
		ids = append(ids, vertex.String())
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		s := summaries[sjv1.VertexID(id)]
		parts = append(parts, fmt.Sprintf("%s %d -> %d", id, s.CurrentParallelism, s.NewParallelism))
	}
	return strings.Join(parts, ", ")
}
