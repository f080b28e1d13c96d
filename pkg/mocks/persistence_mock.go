// Package mocks provides testify mocks for the persistence and event bus interfaces.
package mocks

import (
	"context"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) WorkflowRepository() persistence.WorkflowRepository {
	args := m.Called()

	return args.Get(0).(persistence.WorkflowRepository)
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	args := m.Called()

	return args.Get(0).(persistence.ExecutionRepository)
}

func (m *MockPersistence) StepExecutionRepository() persistence.StepExecutionRepository {
	args := m.Called()

	return args.Get(0).(persistence.StepExecutionRepository)
}

func (m *MockPersistence) TriggerRepository() persistence.TriggerRepository {
	args := m.Called()

	return args.Get(0).(persistence.TriggerRepository)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	args := m.Called(ctx, workflow)

	return args.Error(0)
}

func (m *MockWorkflowRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockExecutionRepository is a mock implementation of persistence.ExecutionRepository.
type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockExecutionRepository) Update(ctx context.Context, id string, update persistence.ExecutionUpdate) error {
	args := m.Called(ctx, id, update)

	return args.Error(0)
}

func (m *MockExecutionRepository) UpdateIfActive(ctx context.Context, id string, update persistence.ExecutionUpdate) (bool, error) {
	args := m.Called(ctx, id, update)

	return args.Bool(0), args.Error(1)
}

func (m *MockExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockExecutionRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

func (m *MockExecutionRepository) GetByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, statuses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

// MockStepExecutionRepository is a mock implementation of persistence.StepExecutionRepository.
type MockStepExecutionRepository struct {
	mock.Mock
}

func (m *MockStepExecutionRepository) Create(ctx context.Context, step *models.StepExecution) error {
	args := m.Called(ctx, step)

	return args.Error(0)
}

func (m *MockStepExecutionRepository) Update(ctx context.Context, id string, update persistence.StepExecutionUpdate) error {
	args := m.Called(ctx, id, update)

	return args.Error(0)
}

func (m *MockStepExecutionRepository) GetByExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StepExecution), args.Error(1)
}

func (m *MockStepExecutionRepository) GetByStatus(ctx context.Context, status models.StepStatus) ([]*models.StepExecution, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StepExecution), args.Error(1)
}

// MockTriggerRepository is a mock implementation of persistence.TriggerRepository.
type MockTriggerRepository struct {
	mock.Mock
}

func (m *MockTriggerRepository) GetAll(ctx context.Context) ([]*models.Trigger, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Trigger), args.Error(1)
}

func (m *MockTriggerRepository) GetByID(ctx context.Context, id string) (*models.Trigger, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Trigger), args.Error(1)
}

func (m *MockTriggerRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Trigger, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Trigger), args.Error(1)
}

func (m *MockTriggerRepository) Save(ctx context.Context, trigger *models.Trigger) error {
	args := m.Called(ctx, trigger)

	return args.Error(0)
}

func (m *MockTriggerRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}
