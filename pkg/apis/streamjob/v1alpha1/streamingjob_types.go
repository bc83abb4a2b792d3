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

package v1alpha1

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeploymentMode defines how the streaming cluster runs its jobs.
type DeploymentMode string

const (
	// DeploymentModeApplication runs exactly one job per cluster.
	DeploymentModeApplication DeploymentMode = "application"
	// DeploymentModeSession runs multiple jobs in a shared cluster.
	DeploymentModeSession DeploymentMode = "session"
)

// JobState is the observed run-state of the job inside the cluster.
type JobState string

const (
	JobStateUnknown     JobState = ""
	JobStateRunning     JobState = "Running"
	JobStateFailing     JobState = "Failing"
	JobStateRestarting  JobState = "Restarting"
	JobStateReconciling JobState = "Reconciling"
	JobStateFinished    JobState = "Finished"
	JobStateFailed      JobState = "Failed"
)

type StreamingJobPhase string

const (
	StreamingJobPhaseUnknown StreamingJobPhase = ""
	StreamingJobPhasePending StreamingJobPhase = "Pending"
	StreamingJobPhaseRunning StreamingJobPhase = "Running"
	StreamingJobPhaseFailed  StreamingJobPhase = "Failed"
)

const (
	// ConditionConfigured has the status True when the job configuration is valid.
	ConditionConfigured ConditionType = "Configured"
	// ConditionJobObserved has the status True when the expected job has been
	// found in the cluster during the latest observation.
	ConditionJobObserved ConditionType = "JobObserved"
)

// +genclient
// +kubebuilder:object:root=true
// +kubebuilder:resource:shortName=sjob
// +kubebuilder:subresource:status
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
type StreamingJob struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec StreamingJobSpec `json:"spec"`
	// +optional
	Status StreamingJobStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
type StreamingJobList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []StreamingJob `json:"items"`
}

type StreamingJobSpec struct {
	// DeploymentMode selects how the backing cluster runs jobs,
	// defaults to "application".
	// +optional
	DeploymentMode DeploymentMode `json:"deploymentMode,omitempty"`
	// Paused suspends reconciliation of the job, including autoscaling.
	// +optional
	Paused bool `json:"paused,omitempty"`
	// Config holds the job configuration, including the recognized
	// autoscaler tunables and the parallelism overrides written back by
	// the autoscaler.
	// +optional
	Config map[string]string `json:"config,omitempty"`
}

// GetDeploymentMode returns the deployment mode, defaulting to application.
func (sjs StreamingJobSpec) GetDeploymentMode() DeploymentMode {
	if sjs.DeploymentMode == "" {
		return DeploymentModeApplication
	}
	return sjs.DeploymentMode
}

// GetParallelismOverrides decodes the parallelism override map persisted in
// the job configuration. A missing or empty value yields a nil map.
func (sjs StreamingJobSpec) GetParallelismOverrides() map[VertexID]int32 {
	raw, ok := sjs.Config[KeyParallelismOverrides]
	if !ok || raw == "" {
		return nil
	}
	overrides := make(map[VertexID]int32)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		id, err := VertexIDFromHexString(kv[0])
		if err != nil {
			continue
		}
		p, err := strconv.ParseInt(kv[1], 10, 32)
		if err != nil {
			continue
		}
		overrides[id] = int32(p)
	}
	if len(overrides) == 0 {
		return nil
	}
	return overrides
}

// SetParallelismOverrides encodes the given override map into the job
// configuration. The encoding is sorted by vertex id so that writing the
// same map twice yields the same string.
func (sjs *StreamingJobSpec) SetParallelismOverrides(overrides map[VertexID]int32) {
	if len(overrides) == 0 {
		delete(sjs.Config, KeyParallelismOverrides)
		return
	}
	ids := make([]string, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	pairs := make([]string, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, fmt.Sprintf("%s:%d", id, overrides[VertexID(id)]))
	}
	if sjs.Config == nil {
		sjs.Config = make(map[string]string)
	}
	sjs.Config[KeyParallelismOverrides] = strings.Join(pairs, ",")
}

// JobStatus is the observed status of the job running in the cluster,
// supplied by the job-status observation.
type JobStatus struct {
	// ID of the job reported by the cluster.
	// +optional
	ID string `json:"id,omitempty"`
	// +optional
	Name string `json:"name,omitempty"`
	// +optional
	State JobState `json:"state,omitempty"`
	// StartTime is when the job was started in the cluster.
	// +optional
	StartTime *metav1.Time `json:"startTime,omitempty"`
	// UpdateTime is when the observed state last changed. It measures how
	// long the job has continuously reported its current state, which the
	// autoscaler uses as its stabilization clock.
	// +optional
	UpdateTime *metav1.Time `json:"updateTime,omitempty"`
}

// UpdateState records a newly observed run-state. UpdateTime only advances
// when the state actually changes, so a job continuously reporting Running
// keeps its original timestamp.
func (js *JobStatus) UpdateState(state JobState, now metav1.Time) {
	if js.State == state {
		return
	}
	js.State = state
	js.UpdateTime = now.DeepCopy()
}

type StreamingJobStatus struct {
	Status `json:",inline"`
	// +optional
	Phase StreamingJobPhase `json:"phase,omitempty"`
	// +optional
	Job JobStatus `json:"job,omitempty"`
	// +optional
	Message string `json:"message,omitempty"`
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// SetPhase sets the phase and message of the resource.
func (sjst *StreamingJobStatus) SetPhase(phase StreamingJobPhase, msg string) {
	sjst.Phase = phase
	sjst.Message = msg
}

// InitConditions sets conditions to Unknown state.
func (sjst *StreamingJobStatus) InitConditions() {
	sjst.InitializeConditions(ConditionConfigured, ConditionJobObserved)
}

// MarkConfigured sets the resource as properly configured.
func (sjst *StreamingJobStatus) MarkConfigured() {
	sjst.MarkTrue(ConditionConfigured)
}

// MarkNotConfigured marks the configuration invalid and fails the phase.
func (sjst *StreamingJobStatus) MarkNotConfigured(reason, message string) {
	sjst.MarkFalse(ConditionConfigured, reason, message)
	sjst.SetPhase(StreamingJobPhaseFailed, message)
}

// MarkJobObserved sets the expected job as found in the cluster.
func (sjst *StreamingJobStatus) MarkJobObserved() {
	sjst.MarkTrue(ConditionJobObserved)
}

// MarkJobNotObserved records that the expected job could not be identified
// in the cluster. The job state is forced to Reconciling so the
// stabilization clock restarts once the job is observed running again.
func (sjst *StreamingJobStatus) MarkJobNotObserved(reason, message string, now metav1.Time) {
	sjst.MarkFalse(ConditionJobObserved, reason, message)
	sjst.Job.UpdateState(JobStateReconciling, now)
	sjst.SetPhase(StreamingJobPhaseFailed, message)
}

// MarkPhaseRunning sets the resource phase to Running.
func (sjst *StreamingJobStatus) MarkPhaseRunning() {
	sjst.SetPhase(StreamingJobPhaseRunning, "")
}

// MarkPhasePending sets the resource phase to Pending.
func (sjst *StreamingJobStatus) MarkPhasePending() {
	sjst.SetPhase(StreamingJobPhasePending, "")
}
