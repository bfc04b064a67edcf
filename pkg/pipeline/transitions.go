package pipeline

import "fmt"

// CompleteSentinel is the destination recorded for items leaving the final
// stage. It is not a stage name and never maps to a queue.
const CompleteSentinel = "complete"

// Route describes where an item goes when it leaves a stage: Advance is the
// promotion destination (the following stage, or CompleteSentinel from the
// last stage) and Rework is the returned-to-start destination (always the
// first stage).
type Route struct {
	Advance string
	Rework  string
}

// Transitions is the pipeline's routing table, built once from the ordered
// stage list. Routing is data: changing where an outcome sends an item is a
// configuration change, not a code change.
type Transitions struct {
	order  []string
	routes map[string]Route
}

// NewTransitions builds the routing table for an ordered stage list.
func NewTransitions(stages []string) (Transitions, error) {
	if len(stages) == 0 {
		return Transitions{}, fmt.Errorf("at least one stage is required")
	}

	order := make([]string, len(stages))
	copy(order, stages)

	routes := make(map[string]Route, len(order))
	for i, stage := range order {
		if _, dup := routes[stage]; dup {
			return Transitions{}, fmt.Errorf("duplicate stage name: %q", stage)
		}
		route := Route{Rework: order[0]}
		if i == len(order)-1 {
			route.Advance = CompleteSentinel
		} else {
			route.Advance = order[i+1]
		}
		routes[stage] = route
	}

	return Transitions{order: order, routes: routes}, nil
}

// Stages returns the stage names in pipeline order.
func (t Transitions) Stages() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// First returns the pipeline's entry stage, which is also every rework
// destination.
func (t Transitions) First() string {
	return t.order[0]
}

// Contains reports whether the named stage is part of the pipeline.
func (t Transitions) Contains(stage string) bool {
	_, ok := t.routes[stage]
	return ok
}

// Route returns the stage's routing entry.
func (t Transitions) Route(stage string) (Route, error) {
	route, ok := t.routes[stage]
	if !ok {
		return Route{}, fmt.Errorf("unknown stage: %q", stage)
	}
	return route, nil
}

// Next returns the stage an item advances to on promotion, or
// CompleteSentinel from the final stage.
func (t Transitions) Next(stage string) (string, error) {
	route, err := t.Route(stage)
	if err != nil {
		return "", err
	}
	return route.Advance, nil
}
