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

package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	LabelVersion   = "version"
	LabelPlatform  = "platform"
	LabelNamespace = "namespace"
	LabelJob       = "job"
	LabelVertex    = "vertex"
)

var (
	// BuildInfo provides the controller binary build information including version and platform, etc.
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "controller",
		Name:      "build_info",
		Help:      "A metric with a constant value '1', labeled with controller version and platform from which Streamproj was built",
	}, []string{LabelVersion, LabelPlatform})

	// JobHealth indicates whether the StreamingJob is healthy (from k8s resource perspective).
	JobHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "controller",
		Name:      "streamingjob_health",
		Help:      "A metric to indicate whether the StreamingJob is healthy. '1' means healthy, '0' means unhealthy",
	}, []string{LabelNamespace, LabelJob})

	JobCurrentPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "controller",
		Name:      "streamingjob_current_phase",
		Help:      "A metric to indicate the StreamingJob phase. '0' means Unknown, '1' means Pending, '2' means Running, '3' means Failed",
	}, []string{LabelNamespace, LabelJob})

	// VertexDesiredParallelism indicates the parallelism the autoscaler decided for a vertex.
	VertexDesiredParallelism = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "controller",
		Name:      "vertex_desired_parallelism",
		Help:      "A metric indicates the desired parallelism of a job vertex",
	}, []string{LabelNamespace, LabelJob, LabelVertex})

	// VertexCurrentParallelism indicates the last observed parallelism of a vertex.
	VertexCurrentParallelism = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "controller",
		Name:      "vertex_current_parallelism",
		Help:      "A metric indicates the current parallelism of a job vertex",
	}, []string{LabelNamespace, LabelJob, LabelVertex})

	// JobScalingActions counts the scaling decisions applied per job.
	JobScalingActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "controller",
		Name:      "streamingjob_scaling_actions_total",
		Help:      "A metric counts the number of scaling decisions applied to a StreamingJob",
	}, []string{LabelNamespace, LabelJob})
)

func init() {
	ctrlmetrics.Registry.MustRegister(BuildInfo, JobHealth, JobCurrentPhase,
		VertexDesiredParallelism, VertexCurrentParallelism, JobScalingActions)
}
