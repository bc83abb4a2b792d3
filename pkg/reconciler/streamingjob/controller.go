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

package streamingjob

import (
	"context"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
	"github.com/streamproj/streamjob/pkg/reconciler"
	"github.com/streamproj/streamjob/pkg/reconciler/streamingjob/observer"
	"github.com/streamproj/streamjob/pkg/reconciler/streamingjob/scaling"
	"github.com/streamproj/streamjob/pkg/shared/logging"
)

// streamingJobReconciler reconciles a StreamingJob object: it refreshes the
// observed job status from the cluster and runs one autoscaling decision
// cycle per pass.
type streamingJobReconciler struct {
	client client.Client
	scheme *runtime.Scheme

	config *reconciler.GlobalConfig
	logger *zap.SugaredLogger

	collector scaling.MetricsCollector
	observer  *observer.Observer
	executor  *scaling.Executor
	store     *scaling.Store
	recorder  record.EventRecorder
	clock     clock.PassiveClock
}

func NewReconciler(client client.Client, scheme *runtime.Scheme, config *reconciler.GlobalConfig,
	collector scaling.MetricsCollector, observer *observer.Observer, executor *scaling.Executor,
	store *scaling.Store, logger *zap.SugaredLogger, recorder record.EventRecorder) reconcile.Reconciler {
	return &streamingJobReconciler{client: client, scheme: scheme, config: config,
		collector: collector, observer: observer, executor: executor, store: store,
		logger: logger, recorder: recorder, clock: clock.RealClock{}}
}

func (r *streamingJobReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	job := &sjv1.StreamingJob{}
	if err := r.client.Get(ctx, req.NamespacedName, job); err != nil {
		if apierrors.IsNotFound(err) {
			return reconcile.Result{}, nil
		}
		r.logger.Errorw("Unable to get StreamingJob", zap.Any("request", req), zap.Error(err))
		return ctrl.Result{}, err
	}
	log := r.logger.With("namespace", job.Namespace).With("streamingjob", job.Name)
	ctx = logging.WithLogger(ctx, log)
	jobCopy := job.DeepCopy()
	result, err := r.reconcile(ctx, jobCopy)
	if err != nil {
		log.Errorw("Reconcile error", zap.Error(err))
	}
	jobCopy.Status.ObservedGeneration = jobCopy.Generation

	if !equality.Semantic.DeepEqual(job.Status, jobCopy.Status) {
		if err := r.client.Status().Update(ctx, jobCopy); err != nil {
			return reconcile.Result{}, err
		}
	}
	return result, err
}

// reconcile does the real logic.
func (r *streamingJobReconciler) reconcile(ctx context.Context, job *sjv1.StreamingJob) (ctrl.Result, error) {
	log := logging.FromContext(ctx)
	if !job.DeletionTimestamp.IsZero() {
		log.Info("Deleting StreamingJob")
		// The state ConfigMap is owner-referenced and garbage collected,
		// this drops the cache entry.
		if err := r.store.Remove(ctx, job); err != nil {
			log.Warnw("Failed to clean up autoscaler state", zap.Error(err))
		}
		return ctrl.Result{}, nil
	}

	if job.Status.Phase == sjv1.StreamingJobPhaseUnknown {
		job.Status.InitConditions()
		job.Status.MarkPhasePending()
	}

	opts, err := scaling.OptionsFrom(job.Spec.Config)
	if err != nil {
		job.Status.MarkNotConfigured("InvalidConfig", err.Error())
		return ctrl.Result{}, err
	}
	job.Status.MarkConfigured()

	resyncPeriod := r.config.GetDefaults().GetResyncPeriod()
	if job.Spec.Paused {
		log.Debug("StreamingJob is paused, skipping observation and scaling")
		return ctrl.Result{RequeueAfter: resyncPeriod}, nil
	}

	if err := r.observer.Observe(ctx, job); err != nil {
		return ctrl.Result{}, err
	}

	switch job.Status.Job.State {
	case sjv1.JobStateRunning:
		job.Status.MarkPhaseRunning()
		if err := r.scale(ctx, job, opts); err != nil {
			return ctrl.Result{}, err
		}
	case sjv1.JobStateFinished, sjv1.JobStateFailed:
		// Terminal, nothing to scale.
	case sjv1.JobStateReconciling:
		// The observer escalated an unrecognized or absent job and failed
		// the phase, leave that marker in place.
	default:
		job.Status.MarkPhasePending()
	}
	r.updateMetrics(job)
	return ctrl.Result{RequeueAfter: resyncPeriod}, nil
}

// scale runs one autoscaling decision cycle: collect, evaluate, decide,
// and on a rescale write the parallelism overrides back to the spec. The
// per-resource history is loaded at the start of the pass and persisted at
// the end.
func (r *streamingJobReconciler) scale(ctx context.Context, job *sjv1.StreamingJob, opts scaling.Options) error {
	log := logging.FromContext(ctx)
	collected, err := r.collector.CollectMetrics(ctx, job)
	if err != nil {
		return err
	}
	if len(collected) == 0 {
		log.Debug("No vertex metrics reported yet, skipping scaling")
		return nil
	}
	evaluated := scaling.Evaluate(collected, opts)
	info, err := r.store.Load(ctx, job)
	if err != nil {
		return err
	}
	info.AddToMetricHistory(r.clock.Now(), evaluated, opts)
	rescaled, err := r.executor.ScaleResource(ctx, job, info, opts, evaluated)
	if err != nil {
		return err
	}
	if rescaled {
		// Updating the spec writes the stored status back into the object,
		// keep what this pass has accumulated.
		status := job.Status.DeepCopy()
		if err := r.client.Update(ctx, job); err != nil {
			return err
		}
		job.Status = *status
		reconciler.JobScalingActions.WithLabelValues(job.Namespace, job.Name).Inc()
	}
	if err := r.store.Persist(ctx, job, info); err != nil {
		return err
	}
	overrides := job.Spec.GetParallelismOverrides()
	for vertex, metrics := range evaluated {
		current := metrics[scaling.Parallelism].Current
		desired := current
		if p, ok := overrides[vertex]; ok {
			desired = float64(p)
		}
		reconciler.VertexCurrentParallelism.WithLabelValues(job.Namespace, job.Name, vertex.String()).Set(current)
		reconciler.VertexDesiredParallelism.WithLabelValues(job.Namespace, job.Name, vertex.String()).Set(desired)
	}
	return nil
}

func (r *streamingJobReconciler) updateMetrics(job *sjv1.StreamingJob) {
	healthy := float64(0)
	if job.Status.IsReady() {
		healthy = 1
	}
	reconciler.JobHealth.WithLabelValues(job.Namespace, job.Name).Set(healthy)
	phase := float64(0)
	switch job.Status.Phase {
	case sjv1.StreamingJobPhasePending:
		phase = 1
	case sjv1.StreamingJobPhaseRunning:
		phase = 2
	case sjv1.StreamingJobPhaseFailed:
		phase = 3
	}
	reconciler.JobCurrentPhase.WithLabelValues(job.Namespace, job.Name).Set(phase)
}
