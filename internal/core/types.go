// Package core implements the segment rule language: a path resolver over
// nested user contexts, a condition evaluator with a closed operator set, and
// AND/OR segment evaluation. Everything here is pure and synchronous; the
// service layer owns persistence and caching.
package core

// Operator identifies one leaf predicate comparison.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "gt"
	OperatorLessThan    Operator = "lt"
	OperatorGTE         Operator = "gte"
	OperatorLTE         Operator = "lte"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
)

// CombineOperator controls how a segment's condition results are reduced.
type CombineOperator string

const (
	CombineAnd CombineOperator = "AND"
	CombineOr  CombineOperator = "OR"
)

// Condition is one leaf predicate inside a segment. Field is a dotted and
// optionally indexed path ("attributes.purchases[0].total") resolved against
// the user context.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Segment is a named, rule-defined audience. An empty condition list matches
// every context regardless of the combine operator.
type Segment struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions []Condition     `json:"conditions"`
	Operator   CombineOperator `json:"operator"`
}

// UserContext is the attribute bag a segment is tested against. At least one
// of UserID/SessionID is expected for membership caching; contexts carrying
// neither are still evaluable but bypass the cache.
type UserContext struct {
	UserID     string         `json:"userId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Device     map[string]any `json:"device,omitempty"`
	Geo        map[string]any `json:"geo,omitempty"`
	UTM        map[string]any `json:"utm,omitempty"`
}

// lookupRoot flattens the context into the single nested object condition
// fields resolve against.
func (c UserContext) lookupRoot() map[string]any {
	root := map[string]any{
		"attributes": c.Attributes,
		"device":     c.Device,
		"geo":        c.Geo,
		"utm":        c.UTM,
	}
	if c.UserID != "" {
		root["userId"] = c.UserID
	}
	if c.SessionID != "" {
		root["sessionId"] = c.SessionID
	}
	return root
}
