package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flowcharts (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				default_model_id TEXT NOT NULL DEFAULT '',
				max_parallel_nodes INTEGER NOT NULL DEFAULT 0,
				max_node_executions INTEGER NOT NULL DEFAULT 0,
				max_runtime_minutes INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE flowchart_nodes (
				flowchart_id TEXT NOT NULL REFERENCES flowcharts(id) ON DELETE CASCADE,
				id TEXT NOT NULL,
				node_type VARCHAR(32) NOT NULL CHECK (node_type IN ('start', 'end', 'task', 'decision', 'plan', 'milestone', 'memory', 'flowchart')),
				name TEXT NOT NULL DEFAULT '',
				ref_id TEXT NOT NULL DEFAULT '',
				config JSONB,
				model_binding TEXT NOT NULL DEFAULT '',
				position_x INTEGER NOT NULL DEFAULT 0,
				position_y INTEGER NOT NULL DEFAULT 0,
				ordinal INTEGER NOT NULL,
				PRIMARY KEY (flowchart_id, id)
			);

			CREATE TABLE flowchart_edges (
				flowchart_id TEXT NOT NULL REFERENCES flowcharts(id) ON DELETE CASCADE,
				ordinal INTEGER NOT NULL,
				source_node_id TEXT NOT NULL,
				target_node_id TEXT NOT NULL,
				edge_mode VARCHAR(16) NOT NULL DEFAULT 'solid' CHECK (edge_mode IN ('solid', 'dotted')),
				condition_key TEXT NOT NULL DEFAULT '',
				label TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (flowchart_id, ordinal)
			);

			CREATE INDEX idx_flowchart_edges_source ON flowchart_edges(flowchart_id, source_node_id);
		`,
		2: `
			CREATE TABLE flowchart_runs (
				id TEXT PRIMARY KEY,
				flowchart_id TEXT NOT NULL,
				status VARCHAR(16) NOT NULL CHECK (status IN ('queued', 'running', 'stopping', 'stopped', 'completed', 'failed', 'canceled')),
				triggered_by VARCHAR(16) NOT NULL DEFAULT '',
				parent_run_id TEXT NOT NULL DEFAULT '',
				parent_node_id TEXT NOT NULL DEFAULT '',
				claimed_by TEXT NOT NULL DEFAULT '',
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flowchart_runs_flowchart_id ON flowchart_runs(flowchart_id);
			CREATE INDEX idx_flowchart_runs_status ON flowchart_runs(status);
			CREATE INDEX idx_flowchart_runs_lease ON flowchart_runs(lease_expires_at) WHERE status = 'running';

			CREATE TABLE flowchart_run_nodes (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES flowchart_runs(id) ON DELETE CASCADE,
				node_id TEXT NOT NULL,
				node_type VARCHAR(32) NOT NULL,
				execution_index INTEGER NOT NULL,
				status VARCHAR(16) NOT NULL CHECK (status IN ('queued', 'running', 'succeeded', 'failed', 'canceled')),
				input_context JSONB,
				output_state JSONB,
				routing_state JSONB,
				error TEXT NOT NULL DEFAULT '',
				execution_id TEXT NOT NULL DEFAULT '',
				provider VARCHAR(32) NOT NULL DEFAULT '',
				provider_dispatch_id TEXT NOT NULL DEFAULT '',
				dispatch_status VARCHAR(16) NOT NULL DEFAULT '',
				fallback_attempted BOOLEAN NOT NULL DEFAULT FALSE,
				fallback_reason TEXT NOT NULL DEFAULT '',
				dispatch_uncertain BOOLEAN NOT NULL DEFAULT FALSE,
				api_failure_category TEXT NOT NULL DEFAULT '',
				run_metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				CHECK (NOT dispatch_uncertain OR (NOT fallback_attempted AND fallback_reason = ''))
			);

			CREATE INDEX idx_flowchart_run_nodes_run_id ON flowchart_run_nodes(run_id, created_at);
			CREATE UNIQUE INDEX idx_flowchart_run_nodes_dispatch_id_unique
				ON flowchart_run_nodes(provider_dispatch_id)
				WHERE dispatch_status IN ('submitted', 'confirmed');
		`,
		3: `
			CREATE TABLE templates (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				prompt TEXT NOT NULL,
				model_id TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE agents (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT '',
				system_prompt TEXT NOT NULL DEFAULT '',
				model_id TEXT NOT NULL DEFAULT '',
				tools JSONB
			);

			CREATE TABLE model_configs (
				id TEXT PRIMARY KEY,
				provider TEXT NOT NULL,
				model TEXT NOT NULL,
				settings JSONB
			);

			CREATE TABLE artifacts (
				kind VARCHAR(16) NOT NULL CHECK (kind IN ('plan', 'milestone', 'memory')),
				id TEXT NOT NULL,
				version INTEGER NOT NULL,
				state JSONB NOT NULL,
				applied_patches JSONB,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (kind, id)
			);
		`,
	}
}
