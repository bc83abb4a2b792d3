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

package cmd

import (
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/streamproj/streamjob"
	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
	"github.com/streamproj/streamjob/pkg/reconciler"
	sjctrl "github.com/streamproj/streamjob/pkg/reconciler/streamingjob"
	"github.com/streamproj/streamjob/pkg/reconciler/streamingjob/observer"
	"github.com/streamproj/streamjob/pkg/reconciler/streamingjob/scaling"
	"github.com/streamproj/streamjob/pkg/shared/clients/gateway"
	"github.com/streamproj/streamjob/pkg/shared/logging"
)

func Start(namespaced bool, managedNamespace string) {
	logger := logging.NewLogger().Named("controller-manager")
	config, err := reconciler.LoadConfig(func(err error) {
		logger.Errorw("Failed to reload global configuration file", zap.Error(err))
	})
	if err != nil {
		logger.Fatalw("Failed to load global configuration file", zap.Error(err))
	}

	opts := ctrl.Options{
		Metrics:                metricsserver.Options{BindAddress: ":9090"},
		HealthProbeBindAddress: ":8081",
	}
	if namespaced {
		opts.Cache = cache.Options{
			DefaultNamespaces: map[string]cache.Config{managedNamespace: {}},
		}
	}
	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), opts)
	if err != nil {
		logger.Fatalw("Unable to get a controller-runtime manager", zap.Error(err))
	}

	// Readiness probe
	if err := mgr.AddReadyzCheck("readiness", healthz.Ping); err != nil {
		logger.Fatalw("Unable add a readiness check", zap.Error(err))
	}
	// Liveness probe
	if err := mgr.AddHealthzCheck("liveness", healthz.Ping); err != nil {
		logger.Fatalw("Unable add a health check", zap.Error(err))
	}

	if err := sjv1.AddToScheme(mgr.GetScheme()); err != nil {
		logger.Fatalw("Unable to add scheme", zap.Error(err))
	}

	recorder := mgr.GetEventRecorderFor(sjv1.ControllerStreamingJob)
	gatewayClient := gateway.NewClient()
	store := scaling.NewStore(mgr.GetClient(), config.GetDefaults().GetStateCacheSize())

	err = ctrl.NewControllerManagedBy(mgr).
		Named(sjv1.ControllerStreamingJob).
		For(&sjv1.StreamingJob{}, builder.WithPredicates(predicate.Or(
			predicate.GenerationChangedPredicate{}, predicate.LabelChangedPredicate{},
		))).
		Owns(&corev1.ConfigMap{}, builder.WithPredicates(predicate.ResourceVersionChangedPredicate{})).
		Complete(sjctrl.NewReconciler(mgr.GetClient(), mgr.GetScheme(), config,
			gatewayClient,
			observer.NewObserver(gatewayClient, recorder),
			scaling.NewExecutor(recorder),
			store, logger, recorder))
	if err != nil {
		logger.Fatalw("Unable to set up StreamingJob controller", zap.Error(err))
	}

	version := streamjob.GetVersion()
	reconciler.BuildInfo.WithLabelValues(version.Version, version.Platform).Set(1)

	logger.Infow("Starting controller manager", "version", version.Version)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		logger.Fatalw("Unable to run controller manager", zap.Error(err))
	}
}
