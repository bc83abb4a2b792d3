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

const (
	// KeyParallelismOverrides is the job configuration key under which the
	// autoscaler persists per-vertex parallelism overrides. The value is a
	// comma separated list of "<vertex-id>:<parallelism>" pairs, sorted by
	// vertex id. An absent or empty value means no override is in effect.
	KeyParallelismOverrides = "job.vertex-parallelism-overrides"

	// KeyComponent is the label key of the component a Kubernetes object belongs to.
	KeyComponent = "streamjob.streamproj.io/component"
	// KeyManagedBy is the label key of the tool being used to manage the operation of an object.
	KeyManagedBy = "streamjob.streamproj.io/managed-by"
	// KeyStreamingJobName is the label key of the owning StreamingJob's name.
	KeyStreamingJobName = "streamjob.streamproj.io/streamingjob-name"

	// ComponentAutoscalerState marks the ConfigMap holding autoscaler state.
	ComponentAutoscalerState = "autoscaler-state"

	ControllerStreamingJob = "streamingjob-controller"

	EnvDebug     = "STREAMJOB_DEBUG"
	EnvNamespace = "NAMESPACE"
)
