package pgrepo

import "time"

// =====================================
// Repository Configuration
// =====================================

// RepoConfig is the declarative, per-repository configuration. It is
// constructed once and validated lazily: a missing section surfaces as a
// typed configuration error only when the operation needing it is invoked.
type RepoConfig struct {
	// PK optionally overrides the tag-derived primary-key column and cast
	// used in seek predicates and point lookups.
	PK PKConfig

	// Resolvers holds the named batching-resolver specs.
	Resolvers map[string]ResolverSpec

	// Conflict configures upsert/merge conflict keys and the optional subset
	// of columns to update on conflict.
	Conflict ConflictConfig

	// PurgeFunc names the retention stored function invoked by Purge.
	PurgeFunc string

	// Functions holds the custom scalar- and set-returning function specs.
	Functions map[string]FnSpec
}

// PKConfig overrides primary-key metadata.
type PKConfig struct {
	Column string
	Cast   string
}

// ConflictConfig configures upsert and merge conflict handling.
type ConflictConfig struct {
	// Keys are the conflict-target columns. Upsert and Merge fail closed with
	// a configuration error when empty.
	Keys []string

	// Columns optionally restricts which non-key columns are written on
	// conflict. Empty means all non-key columns.
	Columns []string
}

// ResolverSpec describes one named batching resolver. Exactly one of Field
// or Fields must be set; Many switches the resolver to grouped mode where
// every row sharing the key column is returned.
type ResolverSpec struct {
	Field  string
	Fields []string
	Many   bool

	// Window is the batching window; requests arriving within it are
	// serviced by one query. Zero means defaultResolverWindow.
	Window time.Duration

	// MaxBatch flushes the pending batch early once this many distinct keys
	// are collected. Zero means unbounded.
	MaxBatch int
}

func (s ResolverSpec) validate(name string) error {
	if s.Field == "" && len(s.Fields) == 0 {
		return errorf(ErrorTypeConfig, "resolver %q has neither field nor fields", name)
	}
	if s.Field != "" && len(s.Fields) > 0 {
		return errorf(ErrorTypeConfig, "resolver %q sets both field and fields", name)
	}
	if s.Many && len(s.Fields) > 0 {
		return errorf(ErrorTypeConfig, "resolver %q: grouped resolvers take a single field", name)
	}
	return nil
}

// FnSpec describes a configured stored function: its argument list with
// optional casts. The same spec serves Fn (scalar) and FnSet (set-returning).
type FnSpec struct {
	Args []FnArg
}

// FnArg is one function argument: a name (documentation only) and an
// optional SQL cast applied to the bound value.
type FnArg struct {
	Name string
	Cast string
}

// conflictKeys returns the configured conflict keys or a typed configuration
// error; upsert-style operations fail closed before touching the database.
func (c RepoConfig) conflictKeys(op string) ([]string, error) {
	if len(c.Conflict.Keys) == 0 {
		return nil, errorf(ErrorTypeConfig, "%s requires conflict keys to be configured", op)
	}
	return c.Conflict.Keys, nil
}

// fnSpec resolves a configured function name, distinguishing "no functions
// configured at all" from "this name is not registered".
func (c RepoConfig) fnSpec(name string) (FnSpec, error) {
	if c.Functions == nil {
		return FnSpec{}, errorf(ErrorTypeNoFunctions, "no custom functions configured")
	}
	spec, ok := c.Functions[name]
	if !ok {
		return FnSpec{}, errorf(ErrorTypeUnknownFunction, "custom function %q is not configured", name)
	}
	return spec, nil
}

func (c RepoConfig) resolverSpec(name string) (ResolverSpec, error) {
	if c.Resolvers == nil {
		return ResolverSpec{}, errorf(ErrorTypeConfig, "no resolvers configured")
	}
	spec, ok := c.Resolvers[name]
	if !ok {
		return ResolverSpec{}, errorf(ErrorTypeConfig, "resolver %q is not configured", name)
	}
	if err := spec.validate(name); err != nil {
		return ResolverSpec{}, err
	}
	return spec, nil
}
