// Package plugin defines the extension contract for the Scribe editor:
// descriptors, configuration, lifecycle states and the dependency graph.
package plugin

import (
	"context"
	"fmt"
	"regexp"

	"golang.org/x/mod/semver"
)

// HookFunc is a lifecycle hook supplied by a plugin author.
type HookFunc func(ctx context.Context, pc *Context) error

// Hooks are the optional lifecycle callbacks of a plugin. Any field may be
// nil, in which case the corresponding phase is skipped.
type Hooks struct {
	BeforeInit    HookFunc
	AfterInit     HookFunc
	BeforeEnable  HookFunc
	AfterEnable   HookFunc
	BeforeDisable HookFunc
	AfterDisable  HookFunc

	// OnError is notified after an error has been recorded. It is invoked
	// best effort; its own failure is logged and otherwise ignored.
	OnError func(ctx context.Context, pc *Context, cause error)

	// CheckHealth supplements the computed health snapshot. The returned
	// map is shallow-merged onto the snapshot details.
	CheckHealth func(ctx context.Context, pc *Context) (map[string]any, error)
}

// Descriptor declares a plugin to the runtime. ID is unique and immutable
// for the lifetime of a registration.
type Descriptor struct {
	ID           string
	Name         string
	Version      string
	InitialState map[string]any
	Hooks        *Hooks

	// Initialize is called once per activation, between the BeforeInit and
	// AfterInit hooks. Optional.
	Initialize func(ctx context.Context, pc *Context) error
	// Destroy is called on disable and unregister. Optional.
	Destroy func(ctx context.Context, pc *Context) error
	// Recover is attempted after a non-fatal error. Returning nil restores
	// the plugin to the enabled state. Optional.
	Recover func(ctx context.Context, cause error, pc *Context) error
}

// PersistenceConfig selects whether and where plugin state is persisted.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver,omitempty"`
	// Key overrides the default "<namespace>:plugin:<id>:state" key.
	Key string `yaml:"key,omitempty"`
}

// Config carries per-registration settings.
type Config struct {
	// Enabled defaults to true when nil.
	Enabled *bool `yaml:"enabled,omitempty"`
	// Priority breaks ties in the load order between plugins that no
	// dependency relation constrains. Higher loads first.
	Priority     int               `yaml:"priority,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	Persistence  PersistenceConfig `yaml:"persistence,omitempty"`
}

// EnableOnRegister reports whether the plugin should be activated as part of
// registration.
func (c Config) EnableOnRegister() bool {
	return c.Enabled == nil || *c.Enabled
}

// pluginIDPattern matches lowercase alphanumeric ids with hyphen separators.
var pluginIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidateDescriptor checks a descriptor before registration.
func ValidateDescriptor(d *Descriptor) error {
	if d == nil {
		return ErrNilDescriptor
	}

	ve := &ValidationError{}
	if d.ID == "" {
		ve.Add("id is required")
	} else if !pluginIDPattern.MatchString(d.ID) {
		ve.Addf("invalid id %q: must be lowercase alphanumeric with hyphens", d.ID)
	}
	if d.Name == "" {
		ve.Add("name is required")
	}
	if d.Version == "" {
		ve.Add("version is required")
	} else if err := ValidateSemver(d.Version); err != nil {
		ve.Add(err.Error())
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// ValidateSemver checks that version is a valid semantic version. The
// leading "v" is optional.
func ValidateSemver(version string) error {
	v := version
	if len(v) > 0 && v[0] != 'v' {
		v = "v" + v
	}
	// semver.IsValid accepts shortened forms like "v1"; require the full
	// MAJOR.MINOR.PATCH by comparing against the canonical form.
	if !semver.IsValid(v) || semver.Canonical(v) != v {
		return fmt.Errorf("invalid semantic version %q (expected MAJOR.MINOR.PATCH)", version)
	}
	return nil
}
