// Package pipeline orchestrates multi-stage content generation. Stages are
// wired through named run-context keys; independent stages run concurrently,
// collaborative stages fan out to participants, and failures propagate as
// skips to dependents while unrelated stages keep running.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emberworks/cascade/internal/clock"
	"github.com/emberworks/cascade/internal/dispatch"
	"github.com/emberworks/cascade/internal/logging"
	"github.com/emberworks/cascade/internal/memory"
	"github.com/emberworks/cascade/internal/provider"
	"github.com/emberworks/cascade/internal/roles"
	"github.com/emberworks/cascade/internal/telemetry"
	"github.com/emberworks/cascade/internal/validate"
)

// Options wires an Engine.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Memory     *memory.Manager
	Gate       *validate.Gate
	Roles      *roles.Registry
	Clock      clock.Clock
	Logger     *logging.Logger
	Metrics    *telemetry.Metrics

	// MaxParallel bounds concurrent stage and participant execution.
	MaxParallel int
}

// Engine executes workflows.
type Engine struct {
	dispatcher  *dispatch.Dispatcher
	memory      *memory.Manager
	gate        *validate.Gate
	roles       *roles.Registry
	clk         clock.Clock
	logger      *logging.Logger
	metrics     *telemetry.Metrics
	maxParallel int
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("memory manager is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("validation gate is required")
	}
	if opts.Roles == nil {
		return nil, fmt.Errorf("role registry is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 3
	}
	return &Engine{
		dispatcher:  opts.Dispatcher,
		memory:      opts.Memory,
		gate:        opts.Gate,
		roles:       opts.Roles,
		clk:         opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		maxParallel: opts.MaxParallel,
	}, nil
}

// ValidateStages rejects a malformed workflow before any dispatch happens.
func (e *Engine) ValidateStages(stages []StageDefinition) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrConfig)
	}

	seenIDs := make(map[string]bool, len(stages))
	producedBy := map[string]int{InputKey: -1}

	for i, st := range stages {
		if st.ID == "" {
			return fmt.Errorf("%w: stage %d has no id", ErrConfig, i)
		}
		if seenIDs[st.ID] {
			return fmt.Errorf("%w: duplicate stage id %q", ErrConfig, st.ID)
		}
		seenIDs[st.ID] = true

		if st.OutputKey == "" {
			return fmt.Errorf("%w: stage %q has no output key", ErrConfig, st.ID)
		}
		if _, dup := producedBy[st.OutputKey]; dup {
			return fmt.Errorf("%w: stage %q reuses output key %q", ErrConfig, st.ID, st.OutputKey)
		}

		for _, key := range st.InputKeys {
			if _, ok := producedBy[key]; !ok {
				return fmt.Errorf("%w: stage %q consumes %q which no earlier stage produces", ErrConfig, st.ID, key)
			}
		}

		if st.MaxRetries < 0 {
			return fmt.Errorf("%w: stage %q has negative max_retries", ErrConfig, st.ID)
		}
		if err := st.Validation.Validate(); err != nil {
			return fmt.Errorf("%w: stage %q: %v", ErrConfig, st.ID, err)
		}
		if st.Validation.ConsistencyWith != "" {
			if _, ok := producedBy[st.Validation.ConsistencyWith]; !ok {
				return fmt.Errorf("%w: stage %q checks consistency with %q which no earlier stage produces",
					ErrConfig, st.ID, st.Validation.ConsistencyWith)
			}
		}

		if st.Collaborative() {
			for _, p := range st.Participants {
				role, ok := e.roles.Get(p.Role)
				if !ok {
					return fmt.Errorf("%w: stage %q references unknown role %q", ErrConfig, st.ID, p.Role)
				}
				if len(role.Candidates(p.PrimaryModel)) == 0 {
					return fmt.Errorf("%w: stage %q participant %q has no candidate models", ErrConfig, st.ID, p.Role)
				}
			}
		} else {
			role, ok := e.roles.Get(st.Role)
			if !ok {
				return fmt.Errorf("%w: stage %q references unknown role %q", ErrConfig, st.ID, st.Role)
			}
			if len(st.Models) == 0 && len(role.Preferences) == 0 {
				return fmt.Errorf("%w: stage %q has no candidate models", ErrConfig, st.ID)
			}
		}

		producedBy[st.OutputKey] = i
	}
	return nil
}

// runScope is the shared mutable state of one run.
type runScope struct {
	mu        sync.Mutex
	run       *Run
	failed    map[string]bool   // output keys whose producing stage failed
	taskByKey map[string]string // producer task per output key, for retrieval queries
}

func (s *runScope) output(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.run.Outputs[key]
	return v, ok
}

// Run executes stages against input. Configuration errors surface before any
// dispatch; execution failures land in the run result, never as the returned
// error.
func (e *Engine) Run(ctx context.Context, stages []StageDefinition, input string) (*Run, error) {
	if err := e.ValidateStages(stages); err != nil {
		return nil, err
	}

	run := &Run{
		ID:           uuid.NewString(),
		Outputs:      map[string]string{InputKey: input},
		Statuses:     make([]StageStatus, len(stages)),
		Participants: make(map[string][]ParticipantResult),
		StartedAt:    e.clk.Now(),
	}
	for i, st := range stages {
		run.Statuses[i] = StageStatus{Stage: st.ID, Status: StatusPending}
	}

	scope := &runScope{
		run:       run,
		failed:    make(map[string]bool),
		taskByKey: make(map[string]string, len(stages)),
	}
	for _, st := range stages {
		scope.taskByKey[st.OutputKey] = st.Task
	}

	ctx = logging.WithRunID(ctx, run.ID)
	e.logger.InfoContext(ctx, "run started", zap.Int("stages", len(stages)))

	// Stages on the same dependency level have no path between them and run
	// concurrently; levels execute in order.
	levels := dependencyLevels(stages)
	maxLevel := 0
	for _, l := range levels {
		if l > maxLevel {
			maxLevel = l
		}
	}

	for lvl := 0; lvl <= maxLevel; lvl++ {
		var g errgroup.Group
		g.SetLimit(e.maxParallel)
		for i := range stages {
			if levels[i] != lvl {
				continue
			}
			st := stages[i]
			status := &run.Statuses[i]
			g.Go(func() error {
				e.executeStage(ctx, st, scope, status)
				return nil
			})
		}
		_ = g.Wait()
	}

	run.CompletedAt = e.clk.Now()
	for _, s := range run.Statuses {
		if s.Status == StatusFailed || s.Status == StatusSkipped {
			run.PartiallyFailed = true
		}
	}
	e.logger.InfoContext(ctx, "run finished",
		zap.Bool("partially_failed", run.PartiallyFailed),
		zap.Duration("elapsed", run.CompletedAt.Sub(run.StartedAt)),
	)
	return run, nil
}

// dependencyLevels assigns each stage the length of its longest producer
// chain. Validation guarantees producers precede consumers.
func dependencyLevels(stages []StageDefinition) []int {
	producer := map[string]int{}
	for i, st := range stages {
		producer[st.OutputKey] = i
	}
	levels := make([]int, len(stages))
	for i, st := range stages {
		lvl := 0
		for _, key := range st.InputKeys {
			if p, ok := producer[key]; ok && p < i && levels[p]+1 > lvl {
				lvl = levels[p] + 1
			}
		}
		levels[i] = lvl
	}
	return levels
}

func (e *Engine) executeStage(ctx context.Context, st StageDefinition, scope *runScope, status *StageStatus) {
	ctx = logging.WithStage(ctx, st.ID)
	status.StartedAt = e.clk.Now()

	// A missing input means its producer failed or was skipped; this stage
	// must never start dispatching.
	scope.mu.Lock()
	blocked := ""
	for _, key := range st.InputKeys {
		if scope.failed[key] {
			blocked = key
			break
		}
		if _, ok := scope.run.Outputs[key]; !ok {
			blocked = key
			break
		}
	}
	if blocked != "" {
		scope.failed[st.OutputKey] = true
	}
	scope.mu.Unlock()

	if blocked != "" {
		status.Status = StatusSkipped
		status.Error = fmt.Sprintf("skipped: input %q unavailable because its producing stage did not succeed", blocked)
		status.CompletedAt = e.clk.Now()
		e.logger.WarnContext(ctx, "stage skipped", zap.String("blocked_on", blocked))
		e.metrics.RecordStageDuration(ctx, st.ID, string(StatusSkipped), 0)
		return
	}

	var out string
	var err error
	if st.Collaborative() {
		out, err = e.runCollaborative(ctx, st, scope, status)
	} else {
		out, err = e.runStandard(ctx, st, scope, status)
	}

	scope.mu.Lock()
	if out != "" {
		// Partial collaborative output is preserved even when the stage
		// failed; dependents still skip via the failed set.
		scope.run.Outputs[st.OutputKey] = out
	}
	if err != nil {
		scope.failed[st.OutputKey] = true
	}
	scope.mu.Unlock()

	status.CompletedAt = e.clk.Now()
	if err != nil {
		status.Status = StatusFailed
		status.Error = err.Error()
		e.logger.ErrorContext(ctx, "stage failed",
			zap.Int("attempts", status.Attempts),
			zap.String("reason", status.Error),
		)
	} else {
		status.Status = StatusSucceeded
		e.logger.InfoContext(ctx, "stage succeeded",
			zap.String("model", status.Model),
			zap.Int("attempts", status.Attempts),
		)
		// Feed the accepted output back into memory for later retrieval.
		if err := e.memory.AddDocument(ctx, st.OutputKey, out); err != nil {
			e.logger.WarnContext(ctx, "indexing stage output failed", zap.Error(err))
		}
	}
	e.metrics.RecordStageDuration(ctx, st.ID, string(status.Status), status.CompletedAt.Sub(status.StartedAt))
}

func (e *Engine) runStandard(ctx context.Context, st StageDefinition, scope *runScope, status *StageStatus) (string, error) {
	role, _ := e.roles.Get(st.Role)
	models := st.Models
	if len(models) == 0 {
		models = role.Preferences
	}
	vspec := st.Validation
	if vspec.Empty() {
		vspec = role.OutputSpec
	}

	prompt := e.buildPrompt(ctx, st, scope, models[0])
	return e.cachedGenerate(ctx, st, role, models, prompt, vspec, scope, status)
}

func (e *Engine) runCollaborative(ctx context.Context, st StageDefinition, scope *runScope, status *StageStatus) (string, error) {
	status.Status = StatusRunning

	results := make([]ParticipantResult, len(st.Participants))
	trackers := make([]StageStatus, len(st.Participants))

	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, p := range st.Participants {
		g.Go(func() error {
			pctx := logging.WithRole(ctx, p.Role)
			role, _ := e.roles.Get(p.Role)
			models := role.Candidates(p.PrimaryModel)
			vspec := st.Validation
			if vspec.Empty() {
				vspec = role.OutputSpec
			}

			prompt := e.buildPrompt(pctx, st, scope, models[0])
			out, err := e.cachedGenerate(pctx, st, role, models, prompt, vspec, scope, &trackers[i])

			results[i] = ParticipantResult{Role: p.Role, Model: trackers[i].Model, Output: out}
			if err != nil {
				// A participant's failure never cancels its siblings.
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	scope.mu.Lock()
	scope.run.Participants[st.ID] = results
	scope.mu.Unlock()

	attempts := 0
	for _, tr := range trackers {
		attempts += tr.Attempts
	}
	status.Attempts = attempts

	merged := make([]string, 0, len(results))
	var failures []string
	for _, r := range results {
		if r.Error != "" {
			failures = append(failures, fmt.Sprintf("participant %s: %s", r.Role, r.Error))
			continue
		}
		merged = append(merged, fmt.Sprintf("## %s\n\n%s", r.Role, r.Output))
	}
	out := strings.Join(merged, "\n\n")
	if len(failures) > 0 {
		return out, fmt.Errorf("%s", strings.Join(failures, "; "))
	}
	return out, nil
}

// buildPrompt assembles a stage prompt: task framing, retrieval context for
// the primary model's window, then the declared inputs verbatim in order.
func (e *Engine) buildPrompt(ctx context.Context, st StageDefinition, scope *runScope, primaryModel string) string {
	parts := make([]string, 0, len(st.InputKeys)+2)
	if st.Task != "" {
		parts = append(parts, st.Task)
	}

	// The retrieval query is the task of the stage that produced our first
	// input, falling back to our own task.
	query := st.Task
	if len(st.InputKeys) > 0 {
		if t, ok := scope.taskByKey[st.InputKeys[0]]; ok && t != "" {
			query = t
		}
	}
	if query != "" {
		if retrieved, err := e.memory.Context(ctx, query, primaryModel); err != nil {
			e.logger.WarnContext(ctx, "context retrieval failed", zap.Error(err))
		} else if retrieved != "" {
			parts = append(parts, "Relevant context:\n\n"+retrieved)
		}
	}

	scope.mu.Lock()
	for _, key := range st.InputKeys {
		parts = append(parts, scope.run.Outputs[key])
	}
	scope.mu.Unlock()

	return strings.Join(parts, "\n\n")
}

// cachedGenerate wraps the validated generation loop with the fingerprint
// cache. Concurrent identical requests collapse to one generation.
func (e *Engine) cachedGenerate(ctx context.Context, st StageDefinition, role roles.Role, models []string, prompt string, vspec validate.Spec, scope *runScope, track *StageStatus) (string, error) {
	fp := memory.Fingerprint(models[0], role.SystemPrompt, prompt, st.Temperature, st.MaxTokens)
	if v, ok := e.memory.Lookup(fp); ok {
		e.metrics.RecordCacheLookup(ctx, true)
		track.Model = models[0]
		e.logger.DebugContext(ctx, "cache hit, dispatch skipped")
		return v, nil
	}
	e.metrics.RecordCacheLookup(ctx, false)

	v, _, err := e.memory.Remember(ctx, fp, func(ctx context.Context) (string, error) {
		return e.generate(ctx, st, role, models, prompt, vspec, scope, track)
	})
	return v, err
}

// generate runs dispatch plus validation, retrying with feedback-augmented
// prompts up to the stage's retry budget.
func (e *Engine) generate(ctx context.Context, st StageDefinition, role roles.Role, models []string, basePrompt string, vspec validate.Spec, scope *runScope, track *StageStatus) (string, error) {
	maxAttempts := st.MaxRetries + 1
	feedback := ""
	var last validate.Result

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		track.Attempts = attempt
		if attempt > 1 {
			track.Status = StatusRetrying
		} else {
			track.Status = StatusRunning
		}

		prompt := basePrompt
		if feedback != "" {
			prompt = basePrompt + "\n\n" + feedback
		}

		resp, err := e.dispatcher.Dispatch(ctx, models, provider.Request{
			SystemPrompt: role.SystemPrompt,
			UserPrompt:   prompt,
			Temperature:  st.Temperature,
			MaxTokens:    st.MaxTokens,
		})
		if err != nil {
			return "", err
		}
		track.Model = resp.Model

		if vspec.Empty() {
			return resp.Content, nil
		}

		track.Status = StatusValidating
		var prior string
		if vspec.ConsistencyWith != "" {
			prior, _ = scope.output(vspec.ConsistencyWith)
		}
		res, err := e.gate.Check(ctx, resp.Content, vspec, prior)
		if err != nil {
			return "", err
		}
		if res.OK {
			track.Warnings = res.Warnings
			return resp.Content, nil
		}

		last = res
		feedback = res.Feedback
		e.metrics.RecordValidationFailure(ctx, st.ID, string(res.Check))
		e.logger.WarnContext(ctx, "validation failed",
			zap.String("check", string(res.Check)),
			zap.String("detail", res.Detail),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
		)
	}

	return "", fmt.Errorf("validation failed after %d attempts: %s check: %s", maxAttempts, last.Check, last.Detail)
}
