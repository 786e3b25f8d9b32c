// Package roles holds the static catalog of participant roles. Stages
// resolve roles by id at configuration time; nothing is probed at runtime.
package roles

import (
	"fmt"

	"github.com/emberworks/cascade/internal/validate"
)

// Role describes one participant persona.
type Role struct {
	// ID is the stable identifier stages reference.
	ID string `koanf:"id"`

	// SystemPrompt frames every completion made under this role.
	SystemPrompt string `koanf:"system_prompt"`

	// Preferences is the ordered candidate list: primary model first,
	// backups after.
	Preferences []string `koanf:"models"`

	// OutputSpec is the default validation applied to this role's outputs
	// when the stage declares none.
	OutputSpec validate.Spec `koanf:"output_spec"`
}

// Validate checks a role definition.
func (r Role) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("role id is required")
	}
	if len(r.Preferences) == 0 {
		return fmt.Errorf("role %q needs at least one model", r.ID)
	}
	for i, m := range r.Preferences {
		if m == "" {
			return fmt.Errorf("role %q has an empty model at position %d", r.ID, i)
		}
	}
	return r.OutputSpec.Validate()
}

// Registry is an immutable role catalog.
type Registry struct {
	byID map[string]Role
}

// NewRegistry builds a registry, rejecting duplicates and invalid roles.
func NewRegistry(defs []Role) (*Registry, error) {
	byID := make(map[string]Role, len(defs))
	for _, r := range defs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate role id %q", r.ID)
		}
		byID[r.ID] = r
	}
	return &Registry{byID: byID}, nil
}

// Get looks up a role by id.
func (r *Registry) Get(id string) (Role, bool) {
	role, ok := r.byID[id]
	return role, ok
}

// Candidates returns the role's candidate models with an optional primary
// override. An override replaces the primary but keeps the role's backups.
func (r Role) Candidates(primaryOverride string) []string {
	if primaryOverride == "" {
		return r.Preferences
	}
	out := make([]string, 0, len(r.Preferences))
	out = append(out, primaryOverride)
	for _, m := range r.Preferences {
		if m != primaryOverride {
			out = append(out, m)
		}
	}
	return out
}
