package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT true,
				variables JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			CREATE TABLE workflow_steps (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				step_type VARCHAR(50) NOT NULL,
				config JSONB NOT NULL DEFAULT '{}',
				position INT NOT NULL,
				retries INT,
				timeout_ms INT NOT NULL DEFAULT 0,
				conditions JSONB,
				PRIMARY KEY (workflow_id, id),
				UNIQUE (workflow_id, position)
			);

			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				status VARCHAR(20) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				triggered_by VARCHAR(50) NOT NULL,
				trigger_data JSONB,
				step_results JSONB NOT NULL DEFAULT '{}',
				error TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);

			CREATE TABLE step_executions (
				seq BIGSERIAL,
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
				step_id VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				status VARCHAR(20) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				max_attempts INT NOT NULL,
				attempt_number INT NOT NULL,
				output JSONB,
				logs TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_step_executions_execution_id ON step_executions(execution_id);
			CREATE INDEX idx_step_executions_status ON step_executions(status);
		`,
		2: `
			CREATE TABLE triggers (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL DEFAULT '',
				trigger_type VARCHAR(20) NOT NULL CHECK (trigger_type IN ('SCHEDULE', 'WEBHOOK', 'EVENT')),
				config JSONB NOT NULL DEFAULT '{}',
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_triggers_workflow_id ON triggers(workflow_id);
		`,
	}
}
