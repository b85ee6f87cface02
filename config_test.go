package pgrepo

import "testing"

func TestConflictKeysUnconfigured(t *testing.T) {
	var c RepoConfig
	_, err := c.conflictKeys("upsert")
	if !IsConfig(err) {
		t.Errorf("Expected a config error, got %v", err)
	}
}

func TestConflictKeysConfigured(t *testing.T) {
	c := RepoConfig{Conflict: ConflictConfig{Keys: []string{"tenant_id", "email"}}}
	keys, err := c.conflictKeys("merge")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(keys) != 2 || keys[0] != "tenant_id" {
		t.Errorf("Expected configured keys, got %v", keys)
	}
}

func TestFnSpecNoFunctions(t *testing.T) {
	var c RepoConfig
	_, err := c.fnSpec("score")
	if !IsErrorType(err, ErrorTypeNoFunctions) {
		t.Errorf("Expected a no-functions error, got %v", err)
	}
}

func TestFnSpecUnknownFunction(t *testing.T) {
	c := RepoConfig{Functions: map[string]FnSpec{"score": {}}}
	_, err := c.fnSpec("rank")
	if !IsUnknownFunction(err) {
		t.Errorf("Expected an unknown-function error, got %v", err)
	}

	if _, err := c.fnSpec("score"); err != nil {
		t.Errorf("Expected configured function to resolve, got %v", err)
	}
}

func TestResolverSpecValidation(t *testing.T) {
	cases := []struct {
		name string
		spec ResolverSpec
		ok   bool
	}{
		{"single field", ResolverSpec{Field: "email"}, true},
		{"composite", ResolverSpec{Fields: []string{"tenant_id", "email"}}, true},
		{"grouped", ResolverSpec{Field: "tenant_id", Many: true}, true},
		{"neither", ResolverSpec{}, false},
		{"both", ResolverSpec{Field: "a", Fields: []string{"b"}}, false},
		{"grouped composite", ResolverSpec{Fields: []string{"a", "b"}, Many: true}, false},
	}
	for _, c := range cases {
		err := c.spec.validate(c.name)
		if c.ok && err != nil {
			t.Errorf("%s: expected no error, got %v", c.name, err)
		}
		if !c.ok && !IsConfig(err) {
			t.Errorf("%s: expected a config error, got %v", c.name, err)
		}
	}
}

func TestResolverSpecLookup(t *testing.T) {
	var c RepoConfig
	if _, err := c.resolverSpec("byEmail"); !IsConfig(err) {
		t.Errorf("Expected a config error with no resolvers, got %v", err)
	}

	c.Resolvers = map[string]ResolverSpec{"byEmail": {Field: "email"}}
	if _, err := c.resolverSpec("byName"); !IsConfig(err) {
		t.Errorf("Expected a config error for an unknown resolver, got %v", err)
	}
	spec, err := c.resolverSpec("byEmail")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if spec.Field != "email" {
		t.Errorf("Expected field 'email', got '%s'", spec.Field)
	}
}
