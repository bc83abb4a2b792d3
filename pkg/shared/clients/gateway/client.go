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

// Package gateway talks to the REST gateway of the streaming cluster
// backing a StreamingJob. It supplies the job list and the raw per-vertex
// metric snapshots the reconciler consumes.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sjv1 "github.com/streamproj/streamjob/pkg/apis/streamjob/v1alpha1"
	"github.com/streamproj/streamjob/pkg/reconciler/streamingjob/observer"
	"github.com/streamproj/streamjob/pkg/reconciler/streamingjob/scaling"
)

const (
	// KeyGatewayAddress is the spec config key overriding the gateway base URL.
	KeyGatewayAddress = "job.gateway.address"

	defaultTimeout = 10 * time.Second
)

// Client is a REST client of the cluster gateway.
type Client struct {
	httpClient *http.Client
}

var _ observer.JobLister = (*Client)(nil)
var _ scaling.MetricsCollector = (*Client)(nil)

// NewClient returns a gateway client with a default request timeout.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: defaultTimeout}}
}

// baseURL resolves the gateway address of a job, preferring the address
// configured on the spec over the conventional in-cluster service name.
func baseURL(job *sjv1.StreamingJob) string {
	if addr, ok := job.Spec.Config[KeyGatewayAddress]; ok && addr != "" {
		return addr
	}
	return fmt.Sprintf("http://%s-gateway.%s.svc:8080", job.Name, job.Namespace)
}

// ListJobs returns the jobs currently reported by the cluster.
func (c *Client) ListJobs(ctx context.Context, job *sjv1.StreamingJob) ([]observer.JobStatusMessage, error) {
	var jobs []observer.JobStatusMessage
	url := fmt.Sprintf("%s/jobs", baseURL(job))
	if err := c.getJSON(ctx, url, &jobs); err != nil {
		return nil, fmt.Errorf("failed to list jobs from gateway, %w", err)
	}
	return jobs, nil
}

// CollectMetrics returns the raw per-vertex metric snapshot of the job
// currently recorded in the resource status.
func (c *Client) CollectMetrics(ctx context.Context, job *sjv1.StreamingJob) (scaling.CollectedMetrics, error) {
	jobID := job.Status.Job.ID
	if jobID == "" {
		return scaling.CollectedMetrics{}, nil
	}
	var collected scaling.CollectedMetrics
	url := fmt.Sprintf("%s/jobs/%s/vertices/metrics", baseURL(job), jobID)
	if err := c.getJSON(ctx, url, &collected); err != nil {
		return nil, fmt.Errorf("failed to collect vertex metrics from gateway, %w", err)
	}
	return collected, nil
}

func (c *Client) getJSON(ctx context.Context, url string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %q from %s", resp.Status, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}
