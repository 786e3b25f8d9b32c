// Package validate implements the output acceptance gate. Checks run in a
// fixed order (structural, schema, consistency) and the first failure stops
// the chain. A failed Result carries feedback text the caller appends to the
// retry prompt.
package validate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/emberworks/cascade/internal/embeddings"
	"github.com/emberworks/cascade/internal/logging"
)

// Check names a validation stage.
type Check string

const (
	CheckStructural  Check = "structural"
	CheckSchema      Check = "schema"
	CheckConsistency Check = "consistency"
)

// Tolerance thresholds: small gaps degrade to warnings instead of failures.
const (
	sectionMissTolerance = 0.25
	patternMissTolerance = 0.30
)

const defaultConsistencyThreshold = 0.6

// Spec declares what an accepted output must look like.
type Spec struct {
	// RequiredSections are headings the output must contain, matched against
	// several heading conventions (markdown, underlined, bold, numbered).
	RequiredSections []string `koanf:"required_sections"`

	// RequiredPatterns are case-insensitive literals that must appear.
	RequiredPatterns []string `koanf:"required_patterns"`

	// SchemaJSON, when set, validates the output (or its fenced JSON block)
	// against a JSON schema.
	SchemaJSON string `koanf:"schema_json"`

	// ConsistencyWith names the run-context key of a prior output the result
	// must stay semantically close to.
	ConsistencyWith string `koanf:"consistency_with"`

	// ConsistencyThreshold is the minimum embedding similarity; defaults to
	// 0.6 when zero.
	ConsistencyThreshold float64 `koanf:"consistency_threshold"`
}

// Empty reports whether the spec demands nothing.
func (s Spec) Empty() bool {
	return len(s.RequiredSections) == 0 &&
		len(s.RequiredPatterns) == 0 &&
		s.SchemaJSON == "" &&
		s.ConsistencyWith == ""
}

// Validate checks the spec itself; a bad schema is a configuration error.
func (s Spec) Validate() error {
	if s.SchemaJSON != "" {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s.SchemaJSON)); err != nil {
			return fmt.Errorf("invalid schema: %w", err)
		}
	}
	if s.ConsistencyThreshold < 0 || s.ConsistencyThreshold > 1 {
		return fmt.Errorf("consistency_threshold must be in [0, 1], got %v", s.ConsistencyThreshold)
	}
	return nil
}

// Result is the outcome of one gate pass.
type Result struct {
	OK bool

	// Check is the stage that failed when !OK.
	Check Check

	// Detail describes the failure; it is recorded verbatim by the caller.
	Detail string

	// Warnings lists tolerated gaps on an accepted output.
	Warnings []string

	// Feedback is the retry-prompt augmentation for a failed output.
	Feedback string
}

// Gate runs validation checks. The embedder powers the consistency check.
type Gate struct {
	embedder embeddings.Embedder
	logger   *logging.Logger
}

// NewGate creates a Gate. embedder may be nil when no spec uses consistency.
func NewGate(embedder embeddings.Embedder, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{embedder: embedder, logger: logger}
}

// Check validates output against spec. prior is the referenced earlier
// output for the consistency check, empty when not applicable. The returned
// error reports infrastructure failures only; validation verdicts are in the
// Result.
func (g *Gate) Check(ctx context.Context, output string, spec Spec, prior string) (Result, error) {
	var warnings []string

	if res := checkSections(output, spec.RequiredSections); res != nil {
		if !res.OK {
			return *res, nil
		}
		warnings = append(warnings, res.Warnings...)
	}
	if res := checkPatterns(output, spec.RequiredPatterns); res != nil {
		if !res.OK {
			return *res, nil
		}
		warnings = append(warnings, res.Warnings...)
	}

	if spec.SchemaJSON != "" {
		res, err := checkSchema(output, spec.SchemaJSON)
		if err != nil {
			return Result{}, err
		}
		if !res.OK {
			return res, nil
		}
	}

	if spec.ConsistencyWith != "" && prior != "" {
		res, err := g.checkConsistency(ctx, output, prior, spec)
		if err != nil {
			return Result{}, err
		}
		if !res.OK {
			return res, nil
		}
	}

	if len(warnings) > 0 {
		g.logger.WarnContext(ctx, "output accepted with warnings",
			zap.Strings("warnings", warnings),
		)
	}
	return Result{OK: true, Warnings: warnings}, nil
}

// sectionPatterns returns the heading conventions a section may appear as.
func sectionPatterns(section string) []*regexp.Regexp {
	quoted := regexp.QuoteMeta(section)
	return []*regexp.Regexp{
		regexp.MustCompile(`(?im)^#{1,6}\s*.*` + quoted),
		regexp.MustCompile(`(?im)^` + quoted + `\s*:`),
		regexp.MustCompile(`(?im)^\s*` + strings.ToUpper(quoted) + `\s*$`),
		regexp.MustCompile(`(?im)^` + quoted + `\s*\n\s*[=\-]{3,}`),
		regexp.MustCompile(`(?im)^\*\*` + quoted + `\*\*`),
		regexp.MustCompile(`(?im)^\s*\d+[\.\)]\s*` + quoted),
	}
}

func hasSection(output, section string) bool {
	for _, re := range sectionPatterns(section) {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

func checkSections(output string, sections []string) *Result {
	if len(sections) == 0 {
		return nil
	}
	var missing []string
	for _, s := range sections {
		if !hasSection(output, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return &Result{OK: true}
	}

	ratio := float64(len(missing)) / float64(len(sections))
	if ratio <= sectionMissTolerance {
		return &Result{OK: true, Warnings: []string{
			fmt.Sprintf("missing sections tolerated: %s", strings.Join(missing, ", ")),
		}}
	}
	detail := fmt.Sprintf("missing required sections: %s", strings.Join(missing, ", "))
	return &Result{
		OK:     false,
		Check:  CheckStructural,
		Detail: detail,
		Feedback: fmt.Sprintf(
			"Your previous response was missing the following required sections: %s. "+
				"Rewrite the full response and include every required section as a heading.",
			strings.Join(missing, ", ")),
	}
}

func checkPatterns(output string, patterns []string) *Result {
	if len(patterns) == 0 {
		return nil
	}
	lower := strings.ToLower(output)
	var missing []string
	for _, p := range patterns {
		if !strings.Contains(lower, strings.ToLower(p)) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return &Result{OK: true}
	}

	ratio := float64(len(missing)) / float64(len(patterns))
	if ratio <= patternMissTolerance {
		return &Result{OK: true, Warnings: []string{
			fmt.Sprintf("missing patterns tolerated: %s", strings.Join(missing, ", ")),
		}}
	}
	detail := fmt.Sprintf("missing required content: %s", strings.Join(missing, ", "))
	return &Result{
		OK:     false,
		Check:  CheckStructural,
		Detail: detail,
		Feedback: fmt.Sprintf(
			"Your previous response did not mention: %s. "+
				"Rewrite the full response and address each of these explicitly.",
			strings.Join(missing, ", ")),
	}
}

// jsonFence pulls a fenced ```json block out of mixed prose, if present.
var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")

func extractJSON(output string) string {
	if m := jsonFence.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	trimmed := strings.TrimSpace(output)
	return trimmed
}

func checkSchema(output, schemaJSON string) (Result, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return Result{}, fmt.Errorf("compiling schema: %w", err)
	}

	doc := extractJSON(output)
	verdict, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		// The output is not parseable JSON at all.
		return Result{
			OK:     false,
			Check:  CheckSchema,
			Detail: fmt.Sprintf("output is not valid JSON: %v", err),
			Feedback: "Your previous response was not valid JSON. " +
				"Respond with a single JSON document matching the required schema.",
		}, nil
	}
	if verdict.Valid() {
		return Result{OK: true}, nil
	}

	issues := make([]string, 0, len(verdict.Errors()))
	for _, e := range verdict.Errors() {
		issues = append(issues, e.String())
	}
	detail := fmt.Sprintf("schema violations: %s", strings.Join(issues, "; "))
	return Result{
		OK:     false,
		Check:  CheckSchema,
		Detail: detail,
		Feedback: fmt.Sprintf(
			"Your previous response violated the output schema: %s. "+
				"Respond again with JSON that satisfies the schema.",
			strings.Join(issues, "; ")),
	}, nil
}

func (g *Gate) checkConsistency(ctx context.Context, output, prior string, spec Spec) (Result, error) {
	if g.embedder == nil {
		return Result{}, fmt.Errorf("consistency check requires an embedder")
	}
	threshold := spec.ConsistencyThreshold
	if threshold == 0 {
		threshold = defaultConsistencyThreshold
	}

	vectors, err := g.embedder.EmbedDocuments(ctx, []string{output, prior})
	if err != nil {
		return Result{}, fmt.Errorf("embedding for consistency check: %w", err)
	}
	if len(vectors) != 2 {
		return Result{}, fmt.Errorf("expected 2 embeddings, got %d", len(vectors))
	}

	sim := embeddings.Cosine(vectors[0], vectors[1])
	if sim >= threshold {
		return Result{OK: true}, nil
	}
	detail := fmt.Sprintf("consistency with %q too low: similarity %.3f below threshold %.3f",
		spec.ConsistencyWith, sim, threshold)
	return Result{
		OK:     false,
		Check:  CheckConsistency,
		Detail: detail,
		Feedback: fmt.Sprintf(
			"Your previous response drifted from the earlier %s output. "+
				"Rewrite it so it directly builds on and stays consistent with that content.",
			spec.ConsistencyWith),
	}, nil
}
