package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type runCtxKey struct{}
type stageCtxKey struct{}
type roleCtxKey struct{}
type modelCtxKey struct{}

// WithRunID adds a pipeline run id to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts the run id from context.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStage adds a stage id to context.
func WithStage(ctx context.Context, stageID string) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, stageID)
}

// StageFromContext extracts the stage id from context.
func StageFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(stageCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRole adds a participant role to context.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleCtxKey{}, role)
}

// RoleFromContext extracts the participant role from context.
func RoleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithModel adds the model id currently being attempted to context.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, modelCtxKey{}, model)
}

// ModelFromContext extracts the model id from context.
func ModelFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(modelCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context. Every engine log line
// carries the run, stage, role and model it belongs to when set.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if stage := StageFromContext(ctx); stage != "" {
		fields = append(fields, zap.String("stage.id", stage))
	}
	if role := RoleFromContext(ctx); role != "" {
		fields = append(fields, zap.String("participant.role", role))
	}
	if model := ModelFromContext(ctx); model != "" {
		fields = append(fields, zap.String("model.id", model))
	}
	return fields
}
