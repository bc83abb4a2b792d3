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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	clocktesting "k8s.io/utils/clock/testing"

	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
)

const (
	testVertex1 = sjv1.VertexID("0123456789abcdef0123456789abcdef")
	testVertex2 = sjv1.VertexID("fedcba9876543210fedcba9876543210")
)

// evaluatedVertex builds the evaluated metrics of one vertex the way the
// evaluator would, including the derived thresholds.
func evaluatedVertex(parallelism int32, targetRate, trueRate float64, opts Options) map[ScalingMetric]EvaluatedScalingMetric {
	return evaluatedVertexWithCatchUp(parallelism, targetRate, trueRate, 0, opts)
}

func evaluatedVertexWithCatchUp(parallelism int32, targetRate, trueRate, catchUpRate float64, opts Options) map[ScalingMetric]EvaluatedScalingMetric {
	metrics := map[ScalingMetric]EvaluatedScalingMetric{
		Parallelism:        Of(float64(parallelism)),
		TargetDataRate:     Of(targetRate),
		TrueProcessingRate: Of(trueRate),
		CatchUpDataRate:    Of(catchUpRate),
	}
	ComputeProcessingRateThresholds(metrics, opts)
	return metrics
}

func testJob(updateTime time.Time) *sjv1.StreamingJob {
	job := &sjv1.StreamingJob{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "test-job"},
	}
	job.Status.Job.State = sjv1.JobStateRunning
	job.Status.Job.UpdateTime = &metav1.Time{Time: updateTime}
	return job
}

func TestScaleResource_Disabled(t *testing.T) {
	opts := DefaultOptions()
	assert.False(t, opts.ScalingEnabled)
	executor := NewExecutor(record.NewFakeRecorder(10))
	job := testJob(time.Now().Add(-time.Hour))
	evaluated := EvaluatedMetrics{testVertex1: evaluatedVertex(1, 700, 100, opts)}
	rescaled, err := executor.ScaleResource(context.Background(), job, NewAutoScalerInfo(), opts, evaluated)
	assert.NoError(t, err)
	assert.False(t, rescaled)
	assert.Nil(t, job.Spec.GetParallelismOverrides())
}

func TestScaleResource_StabilizationGate(t *testing.T) {
	opts := DefaultOptions()
	opts.ScalingEnabled = true
	opts.StabilizationInterval = time.Minute
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		offset   time.Duration
		rescaled bool
	}{
		{name: "immediately after state change", offset: 0, rescaled: false},
		{name: "30s after state change", offset: 30 * time.Second, rescaled: false},
		{name: "50s after state change", offset: 50 * time.Second, rescaled: false},
		{name: "exactly at the interval", offset: time.Minute, rescaled: true},
		{name: "70s after state change", offset: 70 * time.Second, rescaled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clocktesting.NewFakePassiveClock(base.Add(tt.offset))
			executor := NewExecutor(record.NewFakeRecorder(10)).WithClock(clk)
			job := testJob(base)
			evaluated := EvaluatedMetrics{testVertex1: evaluatedVertex(5, 700, 100, opts)}
			rescaled, err := executor.ScaleResource(context.Background(), job, NewAutoScalerInfo(), opts, evaluated)
			assert.NoError(t, err)
			assert.Equal(t, tt.rescaled, rescaled)
		})
	}
}

func TestAllVerticesWithinUtilizationTarget(t *testing.T) {
	summaries := map[sjv1.VertexID]ScalingSummary{testVertex1: {}}

	t.Run("zero boundary", func(t *testing.T) {
		opts := DefaultOptions()
		opts.TargetUtilization = 0.6
		opts.TargetUtilizationBoundary = 0
		evaluated := EvaluatedMetrics{testVertex1: evaluatedVertex(1, 70, 100, opts)}
		assert.False(t, AllVerticesWithinUtilizationTarget(evaluated, summaries))
	})

	t.Run("wide boundary", func(t *testing.T) {
		opts := DefaultOptions()
		opts.TargetUtilization = 0.6
		opts.TargetUtilizationBoundary = 0.2
		evaluated := EvaluatedMetrics{testVertex1: evaluatedVertex(1, 70, 100, opts)}
		assert.True(t, AllVerticesWithinUtilizationTarget(evaluated, summaries))
	})

	t.Run("catch-up rate pushes out of bounds", func(t *testing.T) {
		opts := DefaultOptions()
		opts.TargetUtilization = 0.6
		opts.TargetUtilizationBoundary = 0.2
		evaluated := EvaluatedMetrics{testVertex1: evaluatedVertexWithCatchUp(1, 70, 100, 15, opts)}
		assert.False(t, AllVerticesWithinUtilizationTarget(evaluated, summaries))
	})

	t.Run("no candidates", func(t *testing.T) {
		assert.True(t, AllVerticesWithinUtilizationTarget(EvaluatedMetrics{}, map[sjv1.VertexID]ScalingSummary{}))
	})
}

func TestComputeScaleTargetParallelism(t *testing.T) {
	opts := DefaultOptions()
	opts.ScalingEnabled = true
	opts.TargetUtilization = 0.7
	opts.MaxScaleDownFactor = 0.6
	executor := NewExecutor(record.NewFakeRecorder(10))
	job := testJob(time.Now().Add(-time.Hour))

	tests := []struct {
		name           string
		metrics        map[ScalingMetric]EvaluatedScalingMetric
		maxParallelism int32
		want           int32
	}{
		{
			// capacity = 140/0.7 = 200, factor 2
			name:    "scale up",
			metrics: evaluatedVertex(10, 140, 100, opts),
			want:    20,
		},
		{
			// capacity = 7/0.7 = 10, factor 0.1, capped at 1-0.6
			name:    "scale down capped",
			metrics: evaluatedVertex(10, 7, 100, opts),
			want:    4,
		},
		{
			name:           "bounded by max parallelism",
			metrics:        evaluatedVertex(10, 140, 100, opts),
			maxParallelism: 12,
			want:           12,
		},
		{
			// capacity = 70/0.7, factor 1 up to float error
			name:    "exactly at the target keeps current",
			metrics: evaluatedVertex(5, 70, 100, opts),
			want:    5,
		},
		{
			name:    "never below one",
			metrics: evaluatedVertex(1, 7, 100, opts),
			want:    1,
		},
		{
			name: "unavailable processing rate keeps current",
			metrics: map[ScalingMetric]EvaluatedScalingMetric{
				Parallelism:        Of(10),
				TargetDataRate:     Of(140),
				TrueProcessingRate: Of(math.NaN()),
				CatchUpDataRate:    Of(0),
			},
			want: 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.maxParallelism > 0 {
				tt.metrics[MaxParallelism] = Of(float64(tt.maxParallelism))
			}
			got := executor.computeScaleTargetParallelism(context.Background(), job, testVertex1, NewAutoScalerInfo(), opts, tt.metrics)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScaleResource_WritesOverridesAndHistory(t *testing.T) {
	opts := DefaultOptions()
	opts.ScalingEnabled = true
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := clocktesting.NewFakePassiveClock(base)
	recorder := record.NewFakeRecorder(10)
	executor := NewExecutor(recorder).WithClock(clk)
	job := testJob(base.Add(-time.Hour))
	info := NewAutoScalerInfo()

	// vertex1 needs 10x capacity, vertex2 is exactly at target
	evaluated := EvaluatedMetrics{
		testVertex1: evaluatedVertex(5, 700, 100, opts),
		testVertex2: evaluatedVertex(3, 70, 100, opts),
	}
	rescaled, err := executor.ScaleResource(context.Background(), job, info, opts, evaluated)
	assert.NoError(t, err)
	assert.True(t, rescaled)

	overrides := job.Spec.GetParallelismOverrides()
	assert.Len(t, overrides, 2)
	assert.Equal(t, int32(50), overrides[testVertex1])
	// unchanged vertices are pinned at their current parallelism
	assert.Equal(t, int32(3), overrides[testVertex2])

	record1, ok := info.LatestRecord(testVertex1)
	assert.True(t, ok)
	assert.Equal(t, int32(5), record1.Summary.CurrentParallelism)
	assert.Equal(t, int32(50), record1.Summary.NewParallelism)
	assert.Equal(t, base, record1.Timestamp.Time)
	_, ok = info.LatestRecord(testVertex2)
	assert.False(t, ok)

	event := <-recorder.Events
	assert.Contains(t, event, "Normal")
	assert.Contains(t, event, EventReasonScalingExecuted)

	// an unchanged snapshot produces the same override map
	encoded := job.Spec.Config[sjv1.KeyParallelismOverrides]
	rescaled, err = executor.ScaleResource(context.Background(), job, NewAutoScalerInfo(), opts, evaluated)
	assert.NoError(t, err)
	assert.True(t, rescaled)
	assert.Equal(t, encoded, job.Spec.Config[sjv1.KeyParallelismOverrides])
}

func TestScaleResource_NotRunning(t *testing.T) {
	opts := DefaultOptions()
	opts.ScalingEnabled = true
	executor := NewExecutor(record.NewFakeRecorder(10))
	job := testJob(time.Now().Add(-time.Hour))
	job.Status.Job.State = sjv1.JobStateRestarting

	evaluated := EvaluatedMetrics{testVertex1: evaluatedVertex(5, 700, 100, opts)}
	rescaled, err := executor.ScaleResource(context.Background(), job, NewAutoScalerInfo(), opts, evaluated)
	assert.NoError(t, err)
	assert.False(t, rescaled)
	assert.Nil(t, job.Spec.GetParallelismOverrides())
}

func TestScaleResource_AllWithinTarget(t *testing.T) {
	opts := DefaultOptions()
	opts.ScalingEnabled = true
	opts.TargetUtilization = 0.6
	opts.TargetUtilizationBoundary = 0.2
	executor := NewExecutor(record.NewFakeRecorder(10))
	job := testJob(time.Now().Add(-time.Hour))
	info := NewAutoScalerInfo()

	// drifted parallelism but processing rate inside the boundary band
	evaluated := EvaluatedMetrics{testVertex1: evaluatedVertex(1, 70, 100, opts)}
	rescaled, err := executor.ScaleResource(context.Background(), job, info, opts, evaluated)
	assert.NoError(t, err)
	assert.False(t, rescaled)
	assert.Nil(t, job.Spec.GetParallelismOverrides())
	_, ok := info.LatestRecord(testVertex1)
	assert.False(t, ok)
}

func TestDetectIneffectiveScaleUp(t *testing.T) {
	opts := DefaultOptions()
	opts.ScalingEnabled = true
	opts.EffectivenessDetectionEnabled = true
	opts.EffectivenessImpactThreshold = 0.1
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	newInfoWithScaleUp := func(rateAtDecision float64) *AutoScalerInfo {
		info := NewAutoScalerInfo()
		info.AddToScalingHistory(base.Add(-10*time.Minute), map[sjv1.VertexID]ScalingSummary{
			testVertex1: {
				CurrentParallelism: 5,
				NewParallelism:     10,
				Metrics: map[ScalingMetric]EvaluatedScalingMetric{
					TrueProcessingRate: Of(rateAtDecision),
				},
			},
		}, opts)
		return info
	}

	t.Run("ineffective scale up suppressed", func(t *testing.T) {
		recorder := record.NewFakeRecorder(10)
		executor := NewExecutor(recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := testJob(base.Add(-time.Hour))
		// last scale up promised +100 records/s, only +2 materialized
		metrics := evaluatedVertex(10, 700, 102, opts)
		got := executor.computeScaleTargetParallelism(context.Background(), job, testVertex1, newInfoWithScaleUp(100), opts, metrics)
		assert.Equal(t, int32(10), got)
		event := <-recorder.Events
		assert.Contains(t, event, "Warning")
		assert.Contains(t, event, EventReasonIneffectiveScaling)
	})

	t.Run("effective scale up proceeds", func(t *testing.T) {
		recorder := record.NewFakeRecorder(10)
		executor := NewExecutor(recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := testJob(base.Add(-time.Hour))
		metrics := evaluatedVertex(10, 700, 190, opts)
		got := executor.computeScaleTargetParallelism(context.Background(), job, testVertex1, newInfoWithScaleUp(100), opts, metrics)
		assert.Greater(t, got, int32(10))
		assert.Empty(t, recorder.Events)
	})

	t.Run("detection disabled still emits the event but does not block", func(t *testing.T) {
		disabledOpts := opts
		disabledOpts.EffectivenessDetectionEnabled = false
		recorder := record.NewFakeRecorder(10)
		executor := NewExecutor(recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := testJob(base.Add(-time.Hour))
		metrics := evaluatedVertex(10, 700, 102, disabledOpts)
		got := executor.computeScaleTargetParallelism(context.Background(), job, testVertex1, newInfoWithScaleUp(100), disabledOpts, metrics)
		assert.Greater(t, got, int32(10))
		event := <-recorder.Events
		assert.Contains(t, event, EventReasonIneffectiveScaling)
	})

	t.Run("no history", func(t *testing.T) {
		recorder := record.NewFakeRecorder(10)
		executor := NewExecutor(recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := testJob(base.Add(-time.Hour))
		metrics := evaluatedVertex(10, 700, 102, opts)
		got := executor.computeScaleTargetParallelism(context.Background(), job, testVertex1, NewAutoScalerInfo(), opts, metrics)
		assert.Greater(t, got, int32(10))
		assert.Empty(t, recorder.Events)
	})
}
