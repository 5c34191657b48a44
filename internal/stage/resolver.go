package stage

import (
	"context"
	"fmt"
)

// Predecessor describes how a stage finds the upstream record it consumes.
type Predecessor[T any] struct {
	// Stage is the consuming stage, Requires the stage that produces T.
	Stage    Name
	Requires Name
	Kind     string
	// Get looks up an exact record within a project. Nil when records cannot be addressed by id.
	Get    func(ctx context.Context, projectID, id string) (T, bool, error)
	Latest func(ctx context.Context, projectID string) (T, bool, error)
}

// Resolve returns the record named by explicitID, or the most recent one when
// explicitID is empty. Lookups never cross the project boundary.
func Resolve[T any](ctx context.Context, projectID, explicitID string, p Predecessor[T]) (T, error) {
	var zero T
	if projectID == "" {
		return zero, &MissingInputError{Field: "project_id"}
	}
	if explicitID != "" {
		if p.Get == nil {
			return zero, fmt.Errorf("%s records cannot be selected by id", p.Kind)
		}
		rec, ok, err := p.Get(ctx, projectID, explicitID)
		if err != nil {
			return zero, fmt.Errorf("load %s %s: %w", p.Kind, explicitID, err)
		}
		if !ok {
			return zero, &NotFoundError{Kind: p.Kind, ID: explicitID}
		}
		return rec, nil
	}
	rec, ok, err := p.Latest(ctx, projectID)
	if err != nil {
		return zero, fmt.Errorf("load latest %s: %w", p.Kind, err)
	}
	if !ok {
		return zero, &NoPredecessorError{Stage: p.Stage, Requires: p.Requires, Kind: p.Kind}
	}
	return rec, nil
}
