package core

import "fmt"

// ValidationError reports which required field a built segment is missing.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid segment: %s: %s", e.Field, e.Message)
}

// Builder accumulates a segment definition fluently. The zero value is ready
// to use and defaults to AND combination. Build validates and returns the
// segment without an id; the store assigns one on create.
type Builder struct {
	name       string
	operator   CombineOperator
	conditions []Condition
}

// NewBuilder returns an empty segment builder.
func NewBuilder() *Builder {
	return &Builder{operator: CombineAnd}
}

// WithName sets the segment name.
func (b *Builder) WithName(name string) *Builder {
	b.name = name
	return b
}

// WithOperator sets how condition results combine.
func (b *Builder) WithOperator(operator CombineOperator) *Builder {
	b.operator = operator
	return b
}

// Where appends an arbitrary condition.
func (b *Builder) Where(field string, operator Operator, value any) *Builder {
	b.conditions = append(b.conditions, Condition{Field: field, Operator: operator, Value: value})
	return b
}

func (b *Builder) WhereEquals(field string, value any) *Builder {
	return b.Where(field, OperatorEquals, value)
}

func (b *Builder) WhereNotEquals(field string, value any) *Builder {
	return b.Where(field, OperatorNotEquals, value)
}

func (b *Builder) WhereContains(field string, value any) *Builder {
	return b.Where(field, OperatorContains, value)
}

func (b *Builder) WhereGreaterThan(field string, value any) *Builder {
	return b.Where(field, OperatorGreaterThan, value)
}

func (b *Builder) WhereLessThan(field string, value any) *Builder {
	return b.Where(field, OperatorLessThan, value)
}

func (b *Builder) WhereAtLeast(field string, value any) *Builder {
	return b.Where(field, OperatorGTE, value)
}

func (b *Builder) WhereAtMost(field string, value any) *Builder {
	return b.Where(field, OperatorLTE, value)
}

func (b *Builder) WhereIn(field string, values []any) *Builder {
	return b.Where(field, OperatorIn, values)
}

func (b *Builder) WhereNotIn(field string, values []any) *Builder {
	return b.Where(field, OperatorNotIn, values)
}

// Build validates the accumulated definition. A missing name or an empty
// condition list fails with a ValidationError naming the field.
func (b *Builder) Build() (Segment, error) {
	if b.name == "" {
		return Segment{}, &ValidationError{Field: "name", Message: "segment name is required"}
	}
	if len(b.conditions) == 0 {
		return Segment{}, &ValidationError{Field: "conditions", Message: "at least one condition is required"}
	}

	operator := b.operator
	if operator == "" {
		operator = CombineAnd
	}

	return Segment{
		Name:       b.name,
		Operator:   operator,
		Conditions: append([]Condition(nil), b.conditions...),
	}, nil
}
