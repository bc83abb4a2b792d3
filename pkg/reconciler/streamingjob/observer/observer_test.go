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

package observer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	clocktesting "k8s.io/utils/clock/testing"

	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
)

type fakeLister struct {
	jobs []JobStatusMessage
	err  error
}

func (f *fakeLister) ListJobs(ctx context.Context, job *sjv1.StreamingJob) ([]JobStatusMessage, error) {
	return f.jobs, f.err
}

func newTestJob(mode sjv1.DeploymentMode) *sjv1.StreamingJob {
	job := &sjv1.StreamingJob{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "test-job"},
		Spec:       sjv1.StreamingJobSpec{DeploymentMode: mode},
	}
	job.Status.InitConditions()
	return job
}

func TestObserve_ApplicationMode(t *testing.T) {
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	start := metav1.NewTime(base.Add(-time.Hour))

	t.Run("single job observed", func(t *testing.T) {
		lister := &fakeLister{jobs: []JobStatusMessage{
			{ID: "job-1", Name: "test-job", State: sjv1.JobStateRunning, StartTime: start},
		}}
		recorder := record.NewFakeRecorder(10)
		o := NewObserver(lister, recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := newTestJob(sjv1.DeploymentModeApplication)

		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, "job-1", job.Status.Job.ID)
		assert.Equal(t, sjv1.JobStateRunning, job.Status.Job.State)
		assert.Equal(t, base, job.Status.Job.UpdateTime.Time)
		cond := job.Status.GetCondition(sjv1.ConditionJobObserved)
		assert.NotNil(t, cond)
		assert.Equal(t, metav1.ConditionTrue, cond.Status)
		assert.Empty(t, recorder.Events)
	})

	t.Run("state unchanged keeps update time", func(t *testing.T) {
		lister := &fakeLister{jobs: []JobStatusMessage{
			{ID: "job-1", Name: "test-job", State: sjv1.JobStateRunning, StartTime: start},
		}}
		clk := clocktesting.NewFakePassiveClock(base)
		o := NewObserver(lister, record.NewFakeRecorder(10)).WithClock(clk)
		job := newTestJob(sjv1.DeploymentModeApplication)

		assert.NoError(t, o.Observe(context.Background(), job))
		clk.SetTime(base.Add(10 * time.Minute))
		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, base, job.Status.Job.UpdateTime.Time)

		// a state change advances it
		lister.jobs[0].State = sjv1.JobStateRestarting
		clk.SetTime(base.Add(20 * time.Minute))
		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, base.Add(20*time.Minute), job.Status.Job.UpdateTime.Time)
	})

	t.Run("missing job escalated once", func(t *testing.T) {
		lister := &fakeLister{jobs: nil}
		recorder := record.NewFakeRecorder(10)
		o := NewObserver(lister, recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := newTestJob(sjv1.DeploymentModeApplication)
		job.Status.Job.State = sjv1.JobStateRunning

		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, sjv1.JobStateReconciling, job.Status.Job.State)
		assert.Equal(t, sjv1.StreamingJobPhaseFailed, job.Status.Phase)
		cond := job.Status.GetCondition(sjv1.ConditionJobObserved)
		assert.NotNil(t, cond)
		assert.Equal(t, metav1.ConditionFalse, cond.Status)
		assert.Equal(t, EventReasonMissing, cond.Reason)

		event := <-recorder.Events
		assert.Contains(t, event, "Warning")
		assert.Contains(t, event, EventReasonMissing)

		// still missing on the next pass, no second event
		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Empty(t, recorder.Events)
	})

	t.Run("different job id is unrecognized", func(t *testing.T) {
		lister := &fakeLister{jobs: []JobStatusMessage{
			{ID: "job-2", Name: "test-job", State: sjv1.JobStateRunning, StartTime: start},
		}}
		recorder := record.NewFakeRecorder(10)
		o := NewObserver(lister, recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := newTestJob(sjv1.DeploymentModeApplication)
		job.Status.Job.ID = "job-1"
		job.Status.Job.State = sjv1.JobStateRunning

		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, "job-1", job.Status.Job.ID)
		assert.Equal(t, sjv1.JobStateReconciling, job.Status.Job.State)
		assert.Equal(t, sjv1.StreamingJobPhaseFailed, job.Status.Phase)
		event := <-recorder.Events
		assert.Contains(t, event, "Warning")
		assert.Contains(t, event, EventReasonMissing)
		assert.Empty(t, recorder.Events)
	})

	t.Run("multiple jobs are unrecognized", func(t *testing.T) {
		lister := &fakeLister{jobs: []JobStatusMessage{
			{ID: "job-1", Name: "test-job", State: sjv1.JobStateRunning, StartTime: start},
			{ID: "job-2", Name: "intruder", State: sjv1.JobStateRunning, StartTime: start},
		}}
		recorder := record.NewFakeRecorder(10)
		o := NewObserver(lister, recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := newTestJob(sjv1.DeploymentModeApplication)

		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, sjv1.JobStateReconciling, job.Status.Job.State)
		assert.Len(t, recorder.Events, 1)
	})
}

func TestObserve_SessionMode(t *testing.T) {
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	start := metav1.NewTime(base.Add(-time.Hour))

	t.Run("matched by recorded id", func(t *testing.T) {
		lister := &fakeLister{jobs: []JobStatusMessage{
			{ID: "other", Name: "other", State: sjv1.JobStateRunning, StartTime: start},
			{ID: "job-7", Name: "renamed", State: sjv1.JobStateFailing, StartTime: start},
		}}
		o := NewObserver(lister, record.NewFakeRecorder(10)).WithClock(clocktesting.NewFakePassiveClock(base))
		job := newTestJob(sjv1.DeploymentModeSession)
		job.Status.Job.ID = "job-7"

		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, sjv1.JobStateFailing, job.Status.Job.State)
	})

	t.Run("matched by name before first record", func(t *testing.T) {
		lister := &fakeLister{jobs: []JobStatusMessage{
			{ID: "job-9", Name: "test-job", State: sjv1.JobStateRunning, StartTime: start},
		}}
		o := NewObserver(lister, record.NewFakeRecorder(10)).WithClock(clocktesting.NewFakePassiveClock(base))
		job := newTestJob(sjv1.DeploymentModeSession)

		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, "job-9", job.Status.Job.ID)
	})

	t.Run("missing job is transient", func(t *testing.T) {
		lister := &fakeLister{jobs: nil}
		recorder := record.NewFakeRecorder(10)
		o := NewObserver(lister, recorder).WithClock(clocktesting.NewFakePassiveClock(base))
		job := newTestJob(sjv1.DeploymentModeSession)
		job.Status.Job.State = sjv1.JobStateRunning
		job.Status.MarkJobObserved()

		assert.NoError(t, o.Observe(context.Background(), job))
		assert.Equal(t, sjv1.JobStateRunning, job.Status.Job.State)
		assert.Empty(t, recorder.Events)
	})
}

func TestObserve_ListError(t *testing.T) {
	lister := &fakeLister{err: fmt.Errorf("gateway unreachable")}
	o := NewObserver(lister, record.NewFakeRecorder(10))
	job := newTestJob(sjv1.DeploymentModeApplication)
	err := o.Observe(context.Background(), job)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")
}
