package core

import (
	"errors"
	"testing"
)

func TestBuilderBuild(t *testing.T) {
	segment, err := NewBuilder().
		WithName("High value users").
		WithOperator(CombineOr).
		WhereAtLeast("attributes.totalSpent", 100).
		WhereAtLeast("attributes.purchaseCount", 3).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if segment.ID != "" {
		t.Fatalf("Build().ID = %q, want empty (store assigns ids)", segment.ID)
	}
	if segment.Name != "High value users" {
		t.Fatalf("Build().Name = %q", segment.Name)
	}
	if segment.Operator != CombineOr {
		t.Fatalf("Build().Operator = %q, want OR", segment.Operator)
	}
	if len(segment.Conditions) != 2 {
		t.Fatalf("Build() conditions = %d, want 2", len(segment.Conditions))
	}
}

func TestBuilderValidation(t *testing.T) {
	t.Run("missing name", func(t *testing.T) {
		_, err := NewBuilder().WhereEquals("attributes.plan", "pro").Build()
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("Build() error = %v, want ValidationError", err)
		}
		if validationErr.Field != "name" {
			t.Fatalf("ValidationError.Field = %q, want name", validationErr.Field)
		}
	})

	t.Run("missing conditions", func(t *testing.T) {
		_, err := NewBuilder().WithName("X").Build()
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("Build() error = %v, want ValidationError", err)
		}
		if validationErr.Field != "conditions" {
			t.Fatalf("ValidationError.Field = %q, want conditions", validationErr.Field)
		}
	})
}

func TestBuilderRoundTrip(t *testing.T) {
	built, err := NewBuilder().
		WithName("X").
		WhereEquals("device.type", "mobile").
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	direct := Segment{
		Name:       "X",
		Operator:   CombineAnd,
		Conditions: []Condition{{Field: "device.type", Operator: OperatorEquals, Value: "mobile"}},
	}

	contexts := []UserContext{
		{UserID: "u-1", Device: map[string]any{"type": "mobile"}},
		{UserID: "u-2", Device: map[string]any{"type": "desktop"}},
		{UserID: "u-3"},
	}
	for _, context := range contexts {
		if EvaluateSegment(built, context) != EvaluateSegment(direct, context) {
			t.Fatalf("built and direct segments diverge for context %#v", context)
		}
	}
}

func TestBuilderDefaultsToAnd(t *testing.T) {
	segment, err := (&Builder{}).
		WithName("defaulted").
		WhereEquals("attributes.a", 1).
		WhereEquals("attributes.b", 2).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if segment.Operator != CombineAnd {
		t.Fatalf("Build().Operator = %q, want AND", segment.Operator)
	}
}
