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
	"encoding/json"
	"math"

	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
)

// ScalingMetric identifies one metric tracked per vertex during an
// observation cycle.
type ScalingMetric string

const (
	// Parallelism is the current parallelism of the vertex.
	Parallelism ScalingMetric = "Parallelism"
	// MaxParallelism is the upper parallelism limit of the vertex. Absent
	// when the cluster does not report one, in which case no upper clamp
	// is applied.
	MaxParallelism ScalingMetric = "MaxParallelism"
	// TargetDataRate is the data rate the vertex has to keep up with.
	TargetDataRate ScalingMetric = "TargetDataRate"
	// CatchUpDataRate is the additional rate required to drain the
	// accumulated backlog within the configured catch-up duration.
	CatchUpDataRate ScalingMetric = "CatchUpDataRate"
	// TrueProcessingRate is the rate the vertex would process at if it
	// were busy all the time.
	TrueProcessingRate ScalingMetric = "TrueProcessingRate"
	// ScaleUpRateThreshold is the processing rate below which the vertex
	// is considered under-provisioned.
	ScaleUpRateThreshold ScalingMetric = "ScaleUpRateThreshold"
	// ScaleDownRateThreshold is the processing rate above which the vertex
	// is considered over-provisioned.
	ScaleDownRateThreshold ScalingMetric = "ScaleDownRateThreshold"
)

// EvaluatedScalingMetric holds the averaged and the instantaneous value of
// one metric on one vertex at one observation instant. The average is used
// for decision stability, the current value for instantaneous checks. When
// only one value is meaningful both fields hold the same value.
type EvaluatedScalingMetric struct {
	Average float64 `json:"avg"`
	Current float64 `json:"cur"`
}

// Of returns an EvaluatedScalingMetric with both values set to v.
func Of(v float64) EvaluatedScalingMetric {
	return EvaluatedScalingMetric{Average: v, Current: v}
}

// MarshalJSON encodes non-finite values as strings, which encoding/json
// refuses to emit as numbers. Thresholds are legitimately +Inf when the
// utilization boundary disables the upper bound.
func (m EvaluatedScalingMetric) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"avg": encodeFloat(m.Average),
		"cur": encodeFloat(m.Current),
	})
}

func (m *EvaluatedScalingMetric) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Average = decodeFloat(raw["avg"])
	m.Current = decodeFloat(raw["cur"])
	return nil
}

func encodeFloat(v float64) interface{} {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	default:
		return v
	}
}

func decodeFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		switch x {
		case "Inf":
			return math.Inf(1)
		case "-Inf":
			return math.Inf(-1)
		}
		return math.NaN()
	default:
		return math.NaN()
	}
}

// VertexMetrics is the raw observation of one vertex for one cycle, as
// supplied by the metrics collection collaborator.
type VertexMetrics struct {
	Parallelism int32 `json:"parallelism"`
	// MaxParallelism is 0 when the cluster does not report a limit.
	MaxParallelism int32 `json:"maxParallelism,omitempty"`
	// DataRate is the observed input rate in records per second.
	DataRateAvg     float64 `json:"dataRateAvg"`
	DataRateCurrent float64 `json:"dataRateCur"`
	// BusyRatio is the fraction of time the vertex spent processing, 0-1.
	BusyRatioAvg     float64 `json:"busyRatioAvg"`
	BusyRatioCurrent float64 `json:"busyRatioCur"`
	// PendingRecords is the backlog of the vertex, nil when not available.
	PendingRecords *int64 `json:"pendingRecords,omitempty"`
}

// CollectedMetrics is the raw per-vertex metric snapshot of one observation
// cycle. It is produced fresh every cycle and never mutated after creation.
type CollectedMetrics map[sjv1.VertexID]VertexMetrics

// EvaluatedMetrics is the evaluated per-vertex snapshot consumed by the
// scaling executor.
type EvaluatedMetrics map[sjv1.VertexID]map[ScalingMetric]EvaluatedScalingMetric

// MetricsCollector supplies the raw per-vertex metric snapshot once per
// observation cycle.
type MetricsCollector interface {
	CollectMetrics(ctx context.Context, job *sjv1.StreamingJob) (CollectedMetrics, error)
}
