package project

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/projectd/internal/registry"
	"github.com/fyrsmithlabs/projectd/internal/workspace"
)

// Project is a registry row.
type Project = registry.Project

// Errors returned by the manager. Registry and workspace sentinels are
// re-exported so callers only need this package.
var (
	ErrNotFound          = registry.ErrNotFound
	ErrProjectExists     = registry.ErrProjectExists
	ErrInvalidName       = registry.ErrInvalidName
	ErrSegmentConflict   = registry.ErrSegmentConflict
	ErrDirectoryExists   = workspace.ErrDirectoryExists
	ErrDirectoryNotFound = workspace.ErrNotFound
	ErrNotDirectory      = workspace.ErrNotDirectory

	ErrNoActiveProject = errors.New("no active project")
	ErrClosed          = errors.New("project manager is closed")
	ErrInvalidConfig   = errors.New("invalid project manager config")
)

// CreateOptions controls Create.
type CreateOptions struct {
	// Attributes are stored on a new row. They are ignored when the project
	// already exists.
	Attributes map[string]any

	// ExistOK returns the existing record instead of ErrProjectExists.
	ExistOK bool

	// Activate makes the project active once it exists.
	Activate bool
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// DeleteDir also removes the project tree.
	DeleteDir bool

	// NotExistOK turns a missing project into a no-op.
	NotExistOK bool
}

// Hook runs after a successful lifecycle operation. Hooks run without the
// manager lock held, so they may call back into the manager.
type Hook func(ctx context.Context, m *Manager, p *Project)

// Report is the result of Check.
type Report struct {
	// OrphanDirs are segment directories under either root with no row.
	OrphanDirs []string

	// Dangling are rows whose directories are incomplete.
	Dangling []Dangling
}

// Dangling is a row with missing directories.
type Dangling struct {
	Name    string
	Missing []string
}

// Clean reports whether the check found nothing.
func (r *Report) Clean() bool {
	return len(r.OrphanDirs) == 0 && len(r.Dangling) == 0
}
