package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create documents table
			CREATE TABLE documents (
				collection VARCHAR(100) NOT NULL,
				id VARCHAR(255) NOT NULL,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, id)
			);

			CREATE INDEX idx_documents_data ON documents USING GIN (data jsonb_path_ops);
			CREATE INDEX idx_documents_created_at ON documents(collection, created_at);
		`,
		2: `
			-- Tasks are almost always scanned per run and step
			CREATE INDEX idx_documents_task_run_step ON documents ((data->>'workflowRunId'), (data->>'workflowStepId'))
				WHERE collection = 'tasks';
			CREATE INDEX idx_documents_task_parent ON documents ((data->>'parentId'))
				WHERE collection = 'tasks';
		`,
	}
}
