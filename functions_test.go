package pgrepo

import "testing"

func fnRepo(t *testing.T) *Repository[testUser] {
	t.Helper()
	r, err := New[testUser](nil, RepoConfig{
		Functions: map[string]FnSpec{
			"user_score": {Args: []FnArg{
				{Name: "user_id", Cast: "uuid"},
				{Name: "window_days", Cast: "int"},
			}},
			"active_users": {},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	return r
}

func TestFnCallRendersCasts(t *testing.T) {
	r := fnRepo(t)

	call, bound, err := r.fnCall("user_score", []interface{}{"abc", 30})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if call != "user_score(?::uuid, ?::int)" {
		t.Errorf("Expected cast placeholders, got '%s'", call)
	}
	if len(bound) != 2 {
		t.Errorf("Expected 2 bound args, got %v", bound)
	}
}

func TestFnCallZeroArity(t *testing.T) {
	r := fnRepo(t)

	call, _, err := r.fnCall("active_users", nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if call != "active_users()" {
		t.Errorf("Expected empty argument list, got '%s'", call)
	}
}

func TestFnCallArityMismatch(t *testing.T) {
	r := fnRepo(t)

	_, _, err := r.fnCall("user_score", []interface{}{"abc"})
	if !IsConfig(err) {
		t.Errorf("Expected a config error for wrong arity, got %v", err)
	}
}

func TestFnCallUnknownFunction(t *testing.T) {
	r := fnRepo(t)

	_, _, err := r.fnCall("no_such_fn", nil)
	if !IsUnknownFunction(err) {
		t.Errorf("Expected an unknown-function error, got %v", err)
	}
}

func TestFnCallNoFunctionsConfigured(t *testing.T) {
	r := plainRepo(t)

	_, _, err := r.fnCall("anything", nil)
	if !IsErrorType(err, ErrorTypeNoFunctions) {
		t.Errorf("Expected a no-functions error, got %v", err)
	}
}
