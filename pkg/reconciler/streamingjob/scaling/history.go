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
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
	"github.com/streamproj/streamjob/pkg/shared/logging"
)

const (
	// autoScalerStateKey is the ConfigMap data key the serialized history
	// lives under.
	autoScalerStateKey = "scalingHistory"
)

// ScalingSummary is the decision artifact of one vertex in one cycle,
// created only when the vertex is a candidate for rescale.
type ScalingSummary struct {
	CurrentParallelism int32                                    `json:"currentParallelism"`
	NewParallelism     int32                                    `json:"newParallelism"`
	Metrics            map[ScalingMetric]EvaluatedScalingMetric `json:"metrics"`
}

// ScalingRecord is one persisted scaling decision of one vertex.
type ScalingRecord struct {
	Timestamp metav1.Time    `json:"timestamp"`
	Summary   ScalingSummary `json:"summary"`
}

// MetricRecord is one persisted evaluated snapshot of all vertices.
type MetricRecord struct {
	Timestamp metav1.Time      `json:"timestamp"`
	Metrics   EvaluatedMetrics `json:"metrics"`
}

// AutoScalerInfo is the persisted, resource-scoped autoscaler state: an
// ordered-by-time record of past evaluated snapshots and past scaling
// decisions per vertex. It is owned exclusively by the resource's
// reconciliation pass and mutated at most once per decision cycle.
type AutoScalerInfo struct {
	// MetricHistory is ordered oldest first.
	MetricHistory []MetricRecord `json:"metricHistory,omitempty"`
	// ScalingHistory is ordered oldest first per vertex.
	ScalingHistory map[sjv1.VertexID][]ScalingRecord `json:"scalingHistory,omitempty"`
}

// NewAutoScalerInfo returns an empty history.
func NewAutoScalerInfo() *AutoScalerInfo {
	return &AutoScalerInfo{ScalingHistory: map[sjv1.VertexID][]ScalingRecord{}}
}

// History returns the ordered scaling records of a vertex, oldest first.
func (a *AutoScalerInfo) History(vertex sjv1.VertexID) []ScalingRecord {
	return a.ScalingHistory[vertex]
}

// LatestRecord returns the most recent scaling record of a vertex.
func (a *AutoScalerInfo) LatestRecord(vertex sjv1.VertexID) (ScalingRecord, bool) {
	records := a.ScalingHistory[vertex]
	if len(records) == 0 {
		return ScalingRecord{}, false
	}
	return records[len(records)-1], true
}

// AddToScalingHistory appends the decisions of one cycle and drops records
// older than the configured history age.
func (a *AutoScalerInfo) AddToScalingHistory(now time.Time, summaries map[sjv1.VertexID]ScalingSummary, opts Options) {
	if a.ScalingHistory == nil {
		a.ScalingHistory = map[sjv1.VertexID][]ScalingRecord{}
	}
	for vertex, summary := range summaries {
		a.ScalingHistory[vertex] = append(a.ScalingHistory[vertex], ScalingRecord{
			Timestamp: metav1.NewTime(now),
			Summary:   summary,
		})
	}
	a.trim(now.Add(-opts.ScalingHistoryAge))
}

// AddToMetricHistory appends the evaluated snapshot of one observation
// cycle and drops records older than the configured history age.
func (a *AutoScalerInfo) AddToMetricHistory(now time.Time, evaluated EvaluatedMetrics, opts Options) {
	a.MetricHistory = append(a.MetricHistory, MetricRecord{
		Timestamp: metav1.NewTime(now),
		Metrics:   evaluated,
	})
	a.trim(now.Add(-opts.ScalingHistoryAge))
}

// trim drops all records older than the cutoff.
func (a *AutoScalerInfo) trim(cutoff time.Time) {
	kept := a.MetricHistory[:0]
	for _, r := range a.MetricHistory {
		if !r.Timestamp.Time.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		a.MetricHistory = nil
	} else {
		a.MetricHistory = kept
	}
	for vertex, records := range a.ScalingHistory {
		kept := records[:0]
		for _, r := range records {
			if !r.Timestamp.Time.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(a.ScalingHistory, vertex)
			continue
		}
		a.ScalingHistory[vertex] = kept
	}
}

// Store persists AutoScalerInfo in a ConfigMap per resource, so the history
// survives process restarts. Loaded infos are cached; this is safe because
// each resource's state is only ever touched by its own reconciliation
// pass.
type Store struct {
	client client.Client
	cache  *lru.Cache[string, *AutoScalerInfo]
}

// NewStore returns a ConfigMap backed store with an info cache of the given
// size.
func NewStore(c client.Client, cacheSize int) *Store {
	cache, _ := lru.New[string, *AutoScalerInfo](cacheSize)
	return &Store{client: c, cache: cache}
}

// StateConfigMapName returns the name of the ConfigMap holding the
// autoscaler state of a job.
func StateConfigMapName(job *sjv1.StreamingJob) string {
	return fmt.Sprintf("streamjob-autoscaler-%s", job.Name)
}

// Load returns the persisted history of the job. A missing ConfigMap or an
// unreadable payload is treated as "no history".
func (s *Store) Load(ctx context.Context, job *sjv1.StreamingJob) (*AutoScalerInfo, error) {
	log := logging.FromContext(ctx)
	key := cacheKey(job)
	if info, ok := s.cache.Get(key); ok {
		return info, nil
	}
	cm := &corev1.ConfigMap{}
	if err := s.client.Get(ctx, types.NamespacedName{Namespace: job.Namespace, Name: StateConfigMapName(job)}, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return NewAutoScalerInfo(), nil
		}
		return nil, fmt.Errorf("failed to get autoscaler state of job %q, %w", job.Name, err)
	}
	info := NewAutoScalerInfo()
	if raw, ok := cm.Data[autoScalerStateKey]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), info); err != nil {
			log.Warnf("Discarding unreadable autoscaler state of job %q: %v", job.Name, err)
			info = NewAutoScalerInfo()
		}
	}
	s.cache.Add(key, info)
	return info, nil
}

// Persist writes the history back to the ConfigMap, creating it with an
// owner reference to the job on first use.
func (s *Store) Persist(ctx context.Context, job *sjv1.StreamingJob, info *AutoScalerInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal autoscaler state of job %q, %w", job.Name, err)
	}
	cm := &corev1.ConfigMap{}
	name := types.NamespacedName{Namespace: job.Namespace, Name: StateConfigMapName(job)}
	if err := s.client.Get(ctx, name, cm); err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to get autoscaler state of job %q, %w", job.Name, err)
		}
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Namespace: name.Namespace,
				Name:      name.Name,
				Labels: map[string]string{
					sjv1.KeyComponent:        sjv1.ComponentAutoscalerState,
					sjv1.KeyManagedBy:        sjv1.ControllerStreamingJob,
					sjv1.KeyStreamingJobName: job.Name,
				},
				OwnerReferences: []metav1.OwnerReference{
					*metav1.NewControllerRef(job, sjv1.StreamingJobGroupVersionKind),
				},
			},
			Data: map[string]string{autoScalerStateKey: string(raw)},
		}
		if err := s.client.Create(ctx, cm); err != nil {
			return fmt.Errorf("failed to create autoscaler state of job %q, %w", job.Name, err)
		}
		s.cache.Add(cacheKey(job), info)
		return nil
	}
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	cm.Data[autoScalerStateKey] = string(raw)
	if err := s.client.Update(ctx, cm); err != nil {
		return fmt.Errorf("failed to update autoscaler state of job %q, %w", job.Name, err)
	}
	s.cache.Add(cacheKey(job), info)
	return nil
}

// Remove deletes the persisted state of a job, typically on resource
// deletion.
func (s *Store) Remove(ctx context.Context, job *sjv1.StreamingJob) error {
	s.cache.Remove(cacheKey(job))
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Namespace: job.Namespace, Name: StateConfigMapName(job)},
	}
	if err := s.client.Delete(ctx, cm); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete autoscaler state of job %q, %w", job.Name, err)
	}
	return nil
}

func cacheKey(job *sjv1.StreamingJob) string {
	return job.Namespace + "/" + job.Name
}
