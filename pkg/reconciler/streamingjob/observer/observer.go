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

// Package observer reconciles the job status recorded on a StreamingJob
// resource with what the backing cluster actually reports.
package observer

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/clock"

	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
	"github.com/streamproj/streamjob/pkg/shared/logging"
)

const (
	// EventReasonMissing is the event reason emitted when the expected job
	// cannot be identified among the jobs the cluster reports.
	EventReasonMissing = "Missing"
	// EventAnnotationComponent marks which component an emitted event is about.
	EventAnnotationComponent = "streamjob.streamproj.io/component"
	// ComponentJob is the component annotation value for job level events.
	ComponentJob = "job"
)

// JobStatusMessage is one job as reported by the cluster gateway.
type JobStatusMessage struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	State     sjv1.JobState `json:"state"`
	StartTime metav1.Time   `json:"startTime"`
}

// JobLister fetches the current job list from the cluster backing a
// StreamingJob resource.
type JobLister interface {
	ListJobs(ctx context.Context, job *sjv1.StreamingJob) ([]JobStatusMessage, error)
}

// Observer refreshes job.Status.Job from the cluster's view, using the
// strategy matching the resource's deployment mode.
type Observer struct {
	lister   JobLister
	recorder record.EventRecorder
	clock    clock.PassiveClock
}

// NewObserver returns an Observer using the wall clock.
func NewObserver(lister JobLister, recorder record.EventRecorder) *Observer {
	return &Observer{lister: lister, recorder: recorder, clock: clock.RealClock{}}
}

// WithClock replaces the observer clock, used by tests.
func (o *Observer) WithClock(c clock.PassiveClock) *Observer {
	o.clock = c
	return o
}

// Observe fetches the cluster's job list and updates the resource status.
//
// In application mode the cluster runs exactly one job, so a list that does
// not contain the expected job is an error condition: the status is marked
// unobserved and the job state is forced to Reconciling. In session mode
// other controllers may be submitting and cancelling jobs concurrently, so
// a missing job is treated as transient and the recorded status is left
// untouched.
func (o *Observer) Observe(ctx context.Context, job *sjv1.StreamingJob) error {
	log := logging.FromContext(ctx)
	jobs, err := o.lister.ListJobs(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to list jobs of %q, %w", job.Name, err)
	}
	now := metav1.NewTime(o.clock.Now())
	target, found := selectTargetJob(job, jobs)
	if !found {
		if job.Spec.GetDeploymentMode() == sjv1.DeploymentModeSession {
			log.Debugw("Expected job not reported by the session cluster yet", "job", job.Name)
			return nil
		}
		o.markJobMissing(job, now)
		return nil
	}
	job.Status.Job.ID = target.ID
	job.Status.Job.Name = target.Name
	if job.Status.Job.StartTime == nil || !job.Status.Job.StartTime.Equal(&target.StartTime) {
		job.Status.Job.StartTime = target.StartTime.DeepCopy()
	}
	job.Status.Job.UpdateState(target.State, now)
	job.Status.MarkJobObserved()
	return nil
}

// selectTargetJob picks the job the resource is tracking out of the
// cluster's job list. In application mode the single reported job is the
// target, provided its ID matches any ID already recorded.
// In session mode jobs are matched by the recorded job ID, falling
// back to the resource name for a job that has not been recorded yet.
func selectTargetJob(job *sjv1.StreamingJob, jobs []JobStatusMessage) (JobStatusMessage, bool) {
	if job.Spec.GetDeploymentMode() == sjv1.DeploymentModeApplication {
		if len(jobs) != 1 {
			return JobStatusMessage{}, false
		}
		// A reported job with a different ID is not the deployment's job,
		// tracking it would adopt a stranger's status.
		if job.Status.Job.ID != "" && jobs[0].ID != job.Status.Job.ID {
			return JobStatusMessage{}, false
		}
		return jobs[0], true
	}
	for _, j := range jobs {
		if job.Status.Job.ID != "" && j.ID == job.Status.Job.ID {
			return j, true
		}
		if job.Status.Job.ID == "" && j.Name == job.Name {
			return j, true
		}
	}
	return JobStatusMessage{}, false
}

// markJobMissing escalates an unrecognized or absent job in application
// mode. The warning event is only emitted on the transition into the
// missing state, not on every observation that finds it still missing.
func (o *Observer) markJobMissing(job *sjv1.StreamingJob, now metav1.Time) {
	alreadyMissing := job.Status.Job.State == sjv1.JobStateReconciling
	job.Status.MarkJobNotObserved(EventReasonMissing, "Unrecognized job for the deployment", now)
	if alreadyMissing {
		return
	}
	o.recorder.AnnotatedEventf(job, map[string]string{EventAnnotationComponent: ComponentJob},
		corev1.EventTypeWarning, EventReasonMissing, "Unrecognized job for the deployment")
}
