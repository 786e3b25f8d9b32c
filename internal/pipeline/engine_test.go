package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/cascade/internal/breaker"
	"github.com/emberworks/cascade/internal/clock"
	"github.com/emberworks/cascade/internal/dispatch"
	"github.com/emberworks/cascade/internal/memory"
	"github.com/emberworks/cascade/internal/provider"
	"github.com/emberworks/cascade/internal/ratelimit"
	"github.com/emberworks/cascade/internal/roles"
	"github.com/emberworks/cascade/internal/validate"
)

// step is one scripted provider outcome; a zero step means the default
// success content.
type step struct {
	content string
	err     error
}

// fakeProvider pops scripted outcomes per model and records every request.
// An exhausted (or absent) script answers with "output from <model>".
type fakeProvider struct {
	mu       sync.Mutex
	script   map[string][]step
	requests []provider.Request
	calls    map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		script: make(map[string][]step),
		calls:  make(map[string]int),
	}
}

func (p *fakeProvider) respond(model, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[model] = append(p.script[model], step{content: content})
}

func (p *fakeProvider) fail(model string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, err := range errs {
		p.script[model] = append(p.script[model], step{err: err})
	}
}

func (p *fakeProvider) callCount(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[model]
}

func (p *fakeProvider) requestsFor(model string) []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []provider.Request
	for _, r := range p.requests {
		if r.Model == model {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakeProvider) Send(_ context.Context, req provider.Request) (provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[req.Model]++
	p.requests = append(p.requests, req)

	if queue := p.script[req.Model]; len(queue) > 0 {
		s := queue[0]
		p.script[req.Model] = queue[1:]
		if s.err != nil {
			return provider.Response{}, s.err
		}
		if s.content != "" {
			return provider.Response{Model: req.Model, Content: s.content}, nil
		}
	}
	return provider.Response{Model: req.Model, Content: "output from " + req.Model}, nil
}

func serverError() error {
	return &provider.Error{Kind: provider.KindServerError, StatusCode: 503, Message: "upstream unavailable"}
}

// unitEmbedder maps every text onto the same unit vector, so similarity is
// always 1 and retrieval plus consistency checks pass deterministically.
type unitEmbedder struct{}

func (unitEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (unitEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type engineRig struct {
	engine   *Engine
	provider *fakeProvider
	clk      *clock.Fake
}

func newEngineRig(t *testing.T, roleDefs []roles.Role) *engineRig {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newFakeProvider()

	limiter, err := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 6000,
		BucketCapacity:    100,
	}, fake, nil)
	require.NoError(t, err)

	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 100}, fake, nil)

	d, err := dispatch.New(dispatch.Config{}, p, limiter, breakers, fake, nil, nil)
	require.NoError(t, err)

	mem, err := memory.NewManager(memory.Config{}, unitEmbedder{}, nil, fake, nil)
	require.NoError(t, err)

	reg, err := roles.NewRegistry(roleDefs)
	require.NoError(t, err)

	eng, err := New(Options{
		Dispatcher: d,
		Memory:     mem,
		Gate:       validate.NewGate(unitEmbedder{}, nil),
		Roles:      reg,
		Clock:      fake,
	})
	require.NoError(t, err)

	return &engineRig{engine: eng, provider: p, clk: fake}
}

func writerRole() roles.Role {
	return roles.Role{
		ID:           "writer",
		SystemPrompt: "You write technical documents.",
		Preferences:  []string{"m1"},
	}
}

func TestValidateStagesRejectsBadWorkflows(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{writerRole()})

	tests := []struct {
		name    string
		stages  []StageDefinition
		wantErr string
	}{
		{name: "no stages", stages: nil, wantErr: "at least one stage"},
		{
			name:    "unknown role",
			stages:  []StageDefinition{{ID: "a", Role: "ghost", OutputKey: "out"}},
			wantErr: `unknown role "ghost"`,
		},
		{
			name: "duplicate stage id",
			stages: []StageDefinition{
				{ID: "a", Role: "writer", OutputKey: "x"},
				{ID: "a", Role: "writer", OutputKey: "y"},
			},
			wantErr: "duplicate stage id",
		},
		{
			name: "duplicate output key",
			stages: []StageDefinition{
				{ID: "a", Role: "writer", OutputKey: "x"},
				{ID: "b", Role: "writer", OutputKey: "x"},
			},
			wantErr: `reuses output key "x"`,
		},
		{
			name: "input without producer",
			stages: []StageDefinition{
				{ID: "a", Role: "writer", InputKeys: []string{"missing"}, OutputKey: "x"},
			},
			wantErr: "no earlier stage produces",
		},
		{
			name: "consumes later stage",
			stages: []StageDefinition{
				{ID: "a", Role: "writer", InputKeys: []string{"y"}, OutputKey: "x"},
				{ID: "b", Role: "writer", OutputKey: "y"},
			},
			wantErr: "no earlier stage produces",
		},
		{
			name: "bad schema",
			stages: []StageDefinition{
				{ID: "a", Role: "writer", OutputKey: "x",
					Validation: validate.Spec{SchemaJSON: `{"type": 12}`}},
			},
			wantErr: "invalid schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rig.engine.Run(context.Background(), tt.stages, "input text")
			require.ErrorIs(t, err, ErrConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	// Rejection happens before anything is dispatched.
	assert.Zero(t, rig.provider.callCount("m1"))
}

func TestSequentialStagesFeedOutputsForward(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		writerRole(),
		{ID: "reviewer", SystemPrompt: "You review documents.", Preferences: []string{"m2"}},
	})

	stages := []StageDefinition{
		{ID: "draft", Task: "Write a draft about caching.", Role: "writer",
			InputKeys: []string{InputKey}, OutputKey: "draft"},
		{ID: "review", Task: "Review the draft.", Role: "reviewer",
			InputKeys: []string{"draft"}, OutputKey: "review"},
	}

	run, err := rig.engine.Run(context.Background(), stages, "Topic: response caching")
	require.NoError(t, err)

	assert.False(t, run.PartiallyFailed)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "output from m1", run.Outputs["draft"])
	assert.Equal(t, "output from m2", run.Outputs["review"])

	for _, s := range run.Statuses {
		assert.Equal(t, StatusSucceeded, s.Status)
		assert.Equal(t, 1, s.Attempts)
	}

	// The first stage sees the caller's input; the second sees the first
	// stage's accepted output verbatim.
	first := rig.provider.requestsFor("m1")
	require.Len(t, first, 1)
	assert.Contains(t, first[0].UserPrompt, "Topic: response caching")
	assert.Equal(t, "You write technical documents.", first[0].SystemPrompt)

	second := rig.provider.requestsFor("m2")
	require.Len(t, second, 1)
	assert.Contains(t, second[0].UserPrompt, "output from m1")
}

func TestStageFailsOverToBackupModel(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		{ID: "writer", SystemPrompt: "sys", Preferences: []string{"primary", "backup"}},
	})

	// Primary fails every attempt in its retry budget; the backup answers.
	rig.provider.fail("primary", serverError(), serverError(), serverError(), serverError())

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "draft", Task: "Write.", Role: "writer", OutputKey: "draft"},
	}, "go")
	require.NoError(t, err)

	assert.False(t, run.PartiallyFailed)
	status, ok := run.StageStatus("draft")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, status.Status)
	assert.Equal(t, "backup", status.Model)
	assert.Equal(t, "output from backup", run.Outputs["draft"])
	assert.Equal(t, 1, rig.provider.callCount("backup"))
}

func TestValidationFailureRetriesWithFeedback(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{writerRole()})

	rig.provider.respond("m1", "no structure here")
	rig.provider.respond("m1", "## Summary\n\nAll good.\n\n## Risks\n\nNone.")

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "draft", Task: "Write.", Role: "writer", OutputKey: "draft",
			MaxRetries: 1,
			Validation: validate.Spec{RequiredSections: []string{"Summary", "Risks"}}},
	}, "go")
	require.NoError(t, err)

	status, ok := run.StageStatus("draft")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, status.Status)
	assert.Equal(t, 2, status.Attempts)
	assert.Contains(t, run.Outputs["draft"], "## Summary")

	// The retry prompt carries the gate's feedback naming the gaps.
	reqs := rig.provider.requestsFor("m1")
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0].UserPrompt, "missing")
	assert.Contains(t, reqs[1].UserPrompt, "missing the following required sections")
	assert.Contains(t, reqs[1].UserPrompt, "Summary, Risks")
}

func TestValidationExhaustionFailsStageAndSkipsDependents(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		writerRole(),
		{ID: "reviewer", SystemPrompt: "sys", Preferences: []string{"m2"}},
	})

	// Both attempts produce unusable output.
	rig.provider.respond("m1", "junk")
	rig.provider.respond("m1", "more junk")

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "draft", Task: "Write.", Role: "writer", OutputKey: "draft",
			MaxRetries: 1,
			Validation: validate.Spec{RequiredSections: []string{"Summary", "Risks"}}},
		{ID: "review", Task: "Review.", Role: "reviewer",
			InputKeys: []string{"draft"}, OutputKey: "review"},
	}, "go")
	require.NoError(t, err)

	assert.True(t, run.PartiallyFailed)

	draft, _ := run.StageStatus("draft")
	assert.Equal(t, StatusFailed, draft.Status)
	assert.Equal(t, 2, draft.Attempts)
	assert.Contains(t, draft.Error, "validation failed after 2 attempts")
	assert.Contains(t, draft.Error, "structural")
	assert.Contains(t, draft.Error, "missing required sections: Summary, Risks")

	review, _ := run.StageStatus("review")
	assert.Equal(t, StatusSkipped, review.Status)
	assert.Contains(t, review.Error, `input "draft" unavailable`)
	assert.Zero(t, rig.provider.callCount("m2"), "a skipped stage must not dispatch")

	_, produced := run.Outputs["draft"]
	assert.False(t, produced, "a failed standard stage leaves no output")
}

func TestPermanentFailureSkipsWholeDownstreamChain(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		writerRole(),
		{ID: "reviewer", SystemPrompt: "sys", Preferences: []string{"m2"}},
		{ID: "editor", SystemPrompt: "sys", Preferences: []string{"m3"}},
	})

	rig.provider.fail("m1", &provider.Error{Kind: provider.KindAuthError, StatusCode: 401, Message: "bad key"})

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "draft", Task: "Write.", Role: "writer", OutputKey: "draft"},
		{ID: "review", Task: "Review.", Role: "reviewer",
			InputKeys: []string{"draft"}, OutputKey: "review"},
		{ID: "edit", Task: "Edit.", Role: "editor",
			InputKeys: []string{"review"}, OutputKey: "final"},
	}, "go")
	require.NoError(t, err)

	assert.True(t, run.PartiallyFailed)

	draft, _ := run.StageStatus("draft")
	assert.Equal(t, StatusFailed, draft.Status)
	assert.Contains(t, draft.Error, "bad key")

	review, _ := run.StageStatus("review")
	assert.Equal(t, StatusSkipped, review.Status)
	edit, _ := run.StageStatus("edit")
	assert.Equal(t, StatusSkipped, edit.Status)
	assert.Contains(t, edit.Error, `input "review" unavailable`)

	assert.Equal(t, 1, rig.provider.callCount("m1"), "permanent errors are not retried")
	assert.Zero(t, rig.provider.callCount("m2"))
	assert.Zero(t, rig.provider.callCount("m3"))
}

func TestDiamondDependencyJoinsBothBranches(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		writerRole(),
		{ID: "analyst", SystemPrompt: "sys", Preferences: []string{"m2"}},
		{ID: "skeptic", SystemPrompt: "sys", Preferences: []string{"m3"}},
		{ID: "editor", SystemPrompt: "sys", Preferences: []string{"m4"}},
	})

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "draft", Task: "Write.", Role: "writer",
			InputKeys: []string{InputKey}, OutputKey: "draft"},
		{ID: "pros", Task: "List strengths.", Role: "analyst",
			InputKeys: []string{"draft"}, OutputKey: "pros"},
		{ID: "cons", Task: "List weaknesses.", Role: "skeptic",
			InputKeys: []string{"draft"}, OutputKey: "cons"},
		{ID: "final", Task: "Merge the assessments.", Role: "editor",
			InputKeys: []string{"pros", "cons"}, OutputKey: "final"},
	}, "topic")
	require.NoError(t, err)

	assert.False(t, run.PartiallyFailed)
	for _, s := range run.Statuses {
		assert.Equal(t, StatusSucceeded, s.Status, s.Stage)
	}

	// The join stage sees both branch outputs in its prompt.
	reqs := rig.provider.requestsFor("m4")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].UserPrompt, "output from m2")
	assert.Contains(t, reqs[0].UserPrompt, "output from m3")
}

func TestCollaborativeStageMergesParticipantSections(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		{ID: "architect", SystemPrompt: "sys a", Preferences: []string{"m1"}},
		{ID: "security", SystemPrompt: "sys b", Preferences: []string{"m2"}},
		{ID: "operator", SystemPrompt: "sys c", Preferences: []string{"m3"}},
	})

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "panel", Task: "Assess the design.", OutputKey: "assessment",
			Participants: []Participant{
				{Role: "architect"}, {Role: "security"}, {Role: "operator"},
			}},
	}, "design doc")
	require.NoError(t, err)

	assert.False(t, run.PartiallyFailed)

	out := run.Outputs["assessment"]
	assert.Contains(t, out, "## architect\n\noutput from m1")
	assert.Contains(t, out, "## security\n\noutput from m2")
	assert.Contains(t, out, "## operator\n\noutput from m3")

	results := run.Participants["panel"]
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Empty(t, r.Error)
		assert.NotEmpty(t, r.Output)
	}

	// Every participant answers under its own persona.
	assert.Equal(t, "sys b", rig.provider.requestsFor("m2")[0].SystemPrompt)
}

func TestCollaborativePartialFailureKeepsOtherContributions(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		{ID: "architect", SystemPrompt: "sys", Preferences: []string{"m1"}},
		{ID: "critic", SystemPrompt: "sys", Preferences: []string{"m2"},
			OutputSpec: validate.Spec{RequiredSections: []string{"Verdict", "Evidence"}}},
		{ID: "operator", SystemPrompt: "sys", Preferences: []string{"m3"}},
	})

	// The critic never satisfies its output spec.
	rig.provider.respond("m2", "rambling")
	rig.provider.respond("m2", "more rambling")

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "panel", Task: "Assess.", OutputKey: "assessment",
			MaxRetries: 1,
			Participants: []Participant{
				{Role: "architect"}, {Role: "critic"}, {Role: "operator"},
			}},
		{ID: "summary", Task: "Summarize.", Role: "architect",
			InputKeys: []string{"assessment"}, OutputKey: "summary"},
	}, "design doc")
	require.NoError(t, err)

	assert.True(t, run.PartiallyFailed)

	panel, _ := run.StageStatus("panel")
	assert.Equal(t, StatusFailed, panel.Status)
	assert.Contains(t, panel.Error, "participant critic:")
	assert.Contains(t, panel.Error, "validation failed after 2 attempts")

	// The merged partial output survives with the successful contributions.
	out := run.Outputs["assessment"]
	assert.Contains(t, out, "## architect")
	assert.Contains(t, out, "## operator")
	assert.NotContains(t, out, "## critic")

	results := run.Participants["panel"]
	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Contains(t, results[1].Error, "validation failed")
	assert.Empty(t, results[2].Error)

	// A failed collaborative stage still blocks its dependents.
	summary, _ := run.StageStatus("summary")
	assert.Equal(t, StatusSkipped, summary.Status)
}

func TestParticipantPrimaryOverrideKeepsRoleBackups(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		{ID: "architect", SystemPrompt: "sys", Preferences: []string{"m1", "m-backup"}},
	})

	// The override fails over to the role's backup.
	rig.provider.fail("m-special",
		serverError(), serverError(), serverError(), serverError())
	rig.provider.fail("m1",
		serverError(), serverError(), serverError(), serverError())

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "panel", Task: "Assess.", OutputKey: "assessment",
			Participants: []Participant{{Role: "architect", PrimaryModel: "m-special"}}},
	}, "doc")
	require.NoError(t, err)

	assert.False(t, run.PartiallyFailed)
	results := run.Participants["panel"]
	require.Len(t, results, 1)
	assert.Equal(t, "m-backup", results[0].Model)
}

func TestIdenticalRequestIsServedFromCache(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{writerRole()})

	stages := []StageDefinition{
		{ID: "draft", Role: "writer", OutputKey: "draft"},
	}

	run1, err := rig.engine.Run(context.Background(), stages, "")
	require.NoError(t, err)
	require.Equal(t, 1, rig.provider.callCount("m1"))

	run2, err := rig.engine.Run(context.Background(), stages, "")
	require.NoError(t, err)

	assert.Equal(t, 1, rig.provider.callCount("m1"), "second identical run must not dispatch")
	assert.Equal(t, run1.Outputs["draft"], run2.Outputs["draft"])
	status, _ := run2.StageStatus("draft")
	assert.Equal(t, StatusSucceeded, status.Status)
	assert.Equal(t, "m1", status.Model)
}

func TestConsistencyCheckUsesPriorOutput(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{
		writerRole(),
		{ID: "reviewer", SystemPrompt: "sys", Preferences: []string{"m2"}},
	})

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "draft", Task: "Write.", Role: "writer", OutputKey: "draft"},
		{ID: "review", Task: "Review.", Role: "reviewer",
			InputKeys: []string{"draft"}, OutputKey: "review",
			Validation: validate.Spec{ConsistencyWith: "draft"}},
	}, "go")
	require.NoError(t, err)

	// The unit embedder scores every pair at similarity 1, so the check
	// passes and the stage completes cleanly.
	assert.False(t, run.PartiallyFailed)
	review, _ := run.StageStatus("review")
	assert.Equal(t, StatusSucceeded, review.Status)
}

func TestRunRecordsStageTimestamps(t *testing.T) {
	rig := newEngineRig(t, []roles.Role{writerRole()})

	run, err := rig.engine.Run(context.Background(), []StageDefinition{
		{ID: "draft", Role: "writer", OutputKey: "draft"},
	}, "go")
	require.NoError(t, err)

	status, _ := run.StageStatus("draft")
	assert.False(t, status.StartedAt.IsZero())
	assert.False(t, status.CompletedAt.IsZero())
	assert.False(t, run.CompletedAt.Before(run.StartedAt))
}
