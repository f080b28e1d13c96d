// Package file provides file-based persistence implementation for workflows,
// runs and triggers. Each record is one JSON document under the root directory.
package file

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root              string
	mu                *sync.Mutex
	workflowRepo      *WorkflowRepository
	executionRepo     *ExecutionRepository
	stepExecutionRepo *StepExecutionRepository
	triggerRepo       *TriggerRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	// One lock for the whole tree keeps read-modify-write updates atomic within a process.
	mu := &sync.Mutex{}

	return &Persistence{
		root:              cleanRoot,
		mu:                mu,
		workflowRepo:      &WorkflowRepository{docs: newDocuments[models.Workflow](cleanRoot, "workflows", mu)},
		executionRepo:     &ExecutionRepository{docs: newDocuments[models.WorkflowExecution](cleanRoot, "executions", mu)},
		stepExecutionRepo: &StepExecutionRepository{docs: newDocuments[models.StepExecution](cleanRoot, "step_executions", mu)},
		triggerRepo:       &TriggerRepository{docs: newDocuments[models.Trigger](cleanRoot, "triggers", mu)},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) StepExecutionRepository() persistence.StepExecutionRepository {
	return fp.stepExecutionRepo
}

func (fp *Persistence) TriggerRepository() persistence.TriggerRepository {
	return fp.triggerRepo
}
