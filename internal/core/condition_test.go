package core

import "testing"

func TestParseCondition(t *testing.T) {
	cond, err := ParseCondition("review.result == 'PASS'")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	if cond.Step != "review" || cond.Field != "result" || cond.Literal != "PASS" {
		t.Errorf("parsed = %+v", cond)
	}
	if cond.Key() != "review.result" {
		t.Errorf("Key() = %q", cond.Key())
	}
}

func TestParseConditionDoubleQuotes(t *testing.T) {
	cond, err := ParseCondition(`review.result == "FAIL"`)
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	if cond.Literal != "FAIL" {
		t.Errorf("literal = %q, want FAIL", cond.Literal)
	}
}

func TestParseConditionRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"review.result",
		"review.result = 'PASS'",
		"result == 'PASS'",
		"review.result == PASS",
		"review..result == 'PASS'",
		"review.result.extra == 'PASS'",
		"1review.result == 'PASS'",
	}
	for _, expr := range bad {
		if _, err := ParseCondition(expr); err == nil {
			t.Errorf("ParseCondition(%q) accepted malformed input", expr)
		}
	}
}

func TestEvaluateCondition(t *testing.T) {
	contextMap := map[string]string{
		"review.result":  "PASS",
		"review.summary": "looks good",
	}

	ok, err := EvaluateCondition("review.result == 'PASS'", contextMap)
	if err != nil || !ok {
		t.Errorf("PASS comparison = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = EvaluateCondition("review.result == 'FAIL'", contextMap)
	if err != nil || ok {
		t.Errorf("FAIL comparison = (%v, %v), want (false, nil)", ok, err)
	}

	// Missing entries evaluate to false, not an error.
	ok, err = EvaluateCondition("plan.result == 'PASS'", contextMap)
	if err != nil || ok {
		t.Errorf("missing entry = (%v, %v), want (false, nil)", ok, err)
	}

	// Parse failures evaluate to false and surface the error.
	ok, err = EvaluateCondition("garbage", contextMap)
	if err == nil || ok {
		t.Errorf("parse failure = (%v, %v), want (false, err)", ok, err)
	}
}

func TestStatusTerminality(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []TaskStatus{TaskStatusBlocked, TaskStatusQueued, TaskStatusAssigned, TaskStatusRunning}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !TaskStatusAssigned.Active() || !TaskStatusRunning.Active() {
		t.Error("assigned and running should be active")
	}
	if TaskStatusQueued.Active() {
		t.Error("queued should not be active")
	}
}
