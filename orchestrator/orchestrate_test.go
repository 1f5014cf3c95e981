// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/platform/orchestrator/llm"
	"flowgate/platform/shared/logger"
)

func scoreOf(v float64) *float64 { return &v }

func TestMergeResults(t *testing.T) {
	completed := func(id, name, response string, durationMS int64, score *float64) AgentResult {
		return AgentResult{AgentID: id, AgentName: name, Status: "completed", Response: response, DurationMS: durationMS, Score: score}
	}

	tests := []struct {
		name     string
		strategy string
		results  []AgentResult
		want     string
	}{
		{
			name:     "first_completed picks the first terminal completion",
			strategy: StrategyFirstCompleted,
			results: []AgentResult{
				{AgentID: "a", Status: "failed", Error: "boom"},
				completed("b", "Researcher", "answer B", 100, nil),
				completed("c", "Writer", "answer C", 50, nil),
			},
			want: "answer B",
		},
		{
			name:     "best_score prefers the highest score",
			strategy: StrategyBestScore,
			results: []AgentResult{
				completed("a", "A", "low", 10, scoreOf(0.3)),
				completed("b", "B", "high", 500, scoreOf(0.9)),
			},
			want: "high",
		},
		{
			name:     "best_score falls back to fastest when unscored",
			strategy: StrategyBestScore,
			results: []AgentResult{
				completed("a", "A", "slow", 900, nil),
				completed("b", "B", "fast", 120, nil),
			},
			want: "fast",
		},
		{
			name:     "merge_all labels and joins with blank lines",
			strategy: StrategyMergeAll,
			results: []AgentResult{
				completed("a", "Researcher", "facts", 10, nil),
				completed("b", "Writer", "prose", 20, nil),
			},
			want: "[Agent Researcher]: facts\n\n[Agent Writer]: prose",
		},
		{
			name:     "merge_all single completion is verbatim",
			strategy: StrategyMergeAll,
			results: []AgentResult{
				completed("a", "Researcher", "facts", 10, nil),
				{AgentID: "b", Status: "timed_out"},
			},
			want: "facts",
		},
		{
			name:     "consensus single completion is verbatim",
			strategy: StrategyConsensus,
			results: []AgentResult{
				completed("a", "A", "only answer", 10, nil),
				{AgentID: "b", Status: "failed"},
			},
			want: "only answer",
		},
		{
			name:     "consensus lists numbered responses",
			strategy: StrategyConsensus,
			results: []AgentResult{
				completed("a", "A", "alpha", 10, nil),
				completed("b", "B", "beta", 20, nil),
				{AgentID: "c", Status: "timed_out"},
			},
			want: "2 of 3 agents responded. Responses:\n[1] alpha\n[2] beta",
		},
		{
			name:     "zero completions yields the fixed message",
			strategy: StrategyMergeAll,
			results: []AgentResult{
				{AgentID: "a", Status: "failed"},
				{AgentID: "b", Status: "timed_out"},
			},
			want: msgNoAgentsCompleted,
		},
		{
			name:     "merge_all falls back to agent id without a name",
			strategy: StrategyMergeAll,
			results: []AgentResult{
				completed("agent-1", "", "one", 10, nil),
				completed("agent-2", "", "two", 20, nil),
			},
			want: "[Agent agent-1]: one\n\n[Agent agent-2]: two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeResults(tt.strategy, tt.results))
		})
	}
}

func TestRunStatus(t *testing.T) {
	tests := []struct {
		name    string
		results []AgentResult
		want    string
	}{
		{"any completed wins", []AgentResult{{Status: "failed"}, {Status: "completed"}}, "completed"},
		{"all timed out", []AgentResult{{Status: "timed_out"}, {Status: "timed_out"}}, "timed_out"},
		{"mixed failures", []AgentResult{{Status: "failed"}, {Status: "timed_out"}}, "failed"},
		{"all failed", []AgentResult{{Status: "failed"}}, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runStatus(tt.results))
		})
	}
}

func TestOrchestrateFanOutAndMerge(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	log := logger.New("orchestrate-test")
	client := &fakeLLM{responses: []*llm.Response{textResponse("agent reply")}}
	embeddings := NewEmbeddingClient("", "", "", nil, log)
	memory := NewMemoryService(db, embeddings, log)
	tools := NewToolCatalog(db, "", log)
	commands := NewCommandStore(db)
	executor := NewExecutor(db, client, "anthropic", tools, memory, commands, &fakeDispatcher{}, log)
	orchestrator := NewOrchestrator(db, executor, log)

	agentIDs := []string{"agent-1", "agent-2"}

	mock.ExpectExec(`INSERT INTO orchestration_runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	for range agentIDs {
		mock.ExpectExec(`INSERT INTO orchestration_responses`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO agent_messages`).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectQuery(`SELECT id, name FROM agents`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow("agent-1", "Researcher").
			AddRow("agent-2", "Writer"))
	for _, id := range agentIDs {
		mock.ExpectQuery(`SELECT capabilities FROM agents`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"capabilities"}).AddRow(pq.StringArray{"email"}))
		mock.ExpectQuery(`SELECT name, description, action_name, capability_name, input_schema`).
			WillReturnRows(toolRows())
		mock.ExpectExec(`INSERT INTO agent_responses`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE orchestration_responses`).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`UPDATE orchestration_runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE agent_messages`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := orchestrator.Orchestrate(context.Background(), OrchestrateRequest{
		Command:  "draft the weekly digest",
		AgentIDs: agentIDs,
		Strategy: StrategyMergeAll,
	}, "corr-1")
	require.NoError(t, err)

	assert.Equal(t, "completed", result.Status)
	assert.NotEmpty(t, result.OrchestrationRunID)
	require.Len(t, result.AgentResults, 2)
	assert.Contains(t, result.MergedResponse, "[Agent Researcher]: agent reply")
	assert.Contains(t, result.MergedResponse, "[Agent Writer]: agent reply")
}

func TestOrchestrateRejectsEmptyAgentList(t *testing.T) {
	orchestrator := NewOrchestrator(nil, nil, logger.New("orchestrate-test"))
	_, err := orchestrator.Orchestrate(context.Background(), OrchestrateRequest{Command: "x"}, "corr-1")
	assert.Error(t, err)
}
