package notify

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/monitor"
)

// WorkflowNotifier hands a finished job off to a Cloud Workflows
// execution, carrying the job summary as the execution argument.
type WorkflowNotifier struct {
	client *executions.Client
	cfg    *config.Config
}

// NewWorkflowNotifier returns nil when no workflow is configured.
func NewWorkflowNotifier(ctx context.Context, cfg *config.Config) (*WorkflowNotifier, error) {
	if cfg.WorkflowID == "" {
		return nil, nil
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("project_id must be set to trigger a workflow")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating workflows executions client")
	}
	return &WorkflowNotifier{client: client, cfg: cfg}, nil
}

// Notify triggers the configured workflow with the job's outcome.
func (n *WorkflowNotifier) Notify(ctx context.Context, jobID string, s monitor.Summary) error {
	payload, err := json.Marshal(map[string]interface{}{
		"jobId":     jobID,
		"records":   s.Records,
		"committed": s.Committed,
		"skipped":   s.Skipped,
		"bytes":     s.Bytes,
		"elapsedMs": s.Elapsed.Milliseconds(),
	})
	if err != nil {
		return errors.Wrap(err, "marshalling workflow payload")
	}

	parent := fmt.Sprintf("projects/%s/locations/%s/workflows/%s",
		n.cfg.ProjectID, n.cfg.WorkflowLocation, n.cfg.WorkflowID)
	log.WithFields(log.Fields{"workflow": n.cfg.WorkflowID, "job": jobID}).Info("triggering workflow")
	_, err = n.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    parent,
		Execution: &executionspb.Execution{Argument: string(payload)},
	})
	return errors.Wrap(err, "triggering workflow execution")
}

func (n *WorkflowNotifier) Close() error {
	return n.client.Close()
}
