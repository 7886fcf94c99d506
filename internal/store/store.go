package store

import (
	"context"

	"github.com/me/dwiprep/pkg/model"
)

// Store records runs and the state of every subject inside them.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, run *model.Run) error

	// Subject operations
	CreateSubjects(ctx context.Context, subjects []*model.SubjectRun) error
	UpdateSubject(ctx context.Context, sr *model.SubjectRun) error
	ListSubjects(ctx context.Context, runID string) ([]*model.SubjectRun, error)
	CompletedImages(ctx context.Context, pipeline string) (map[string]bool, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
