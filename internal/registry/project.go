package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Errors for registry operations.
var (
	ErrNotFound          = errors.New("project not found")
	ErrProjectExists     = errors.New("project already exists")
	ErrSegmentConflict   = errors.New("directory segment already registered")
	ErrInvalidName       = errors.New("invalid project name")
	ErrInvalidLocation   = errors.New("invalid project location")
	ErrSchemaVersion     = errors.New("registry schema is newer than this build")
	ErrRegistryCorrupted = errors.New("registry row corrupted")
)

// maxNameLength bounds project names. Names are stored verbatim; only the
// derived segment has to fit filesystem limits.
const maxNameLength = 1024

// Project is one registry row.
type Project struct {
	// ID is a UUID assigned when the row is created. It never changes.
	ID string `json:"id"`

	// Name is the canonical, unique project name as given by the user.
	Name string `json:"name"`

	// Segment is the directory name derived from Name.
	Segment string `json:"segment"`

	// Attributes holds arbitrary JSON-compatible values.
	Attributes map[string]any `json:"attributes"`

	// DataDir is the absolute path of the project workspace.
	DataDir string `json:"data_dir"`

	// LogsDir is the absolute path of the project log directory.
	LogsDir string `json:"logs_dir"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares nothing mutable with p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Attributes = cloneAttributes(p.Attributes)
	return &c
}

// Validate checks the fields a caller must supply before insertion.
func (p *Project) Validate() error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if p.Segment == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidLocation)
	}
	return validateLocation(p.DataDir, p.LogsDir)
}

// ValidateName checks that name can be stored as a project name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name too long (max %d bytes)", ErrInvalidName, maxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: name contains NUL", ErrInvalidName)
	}
	return nil
}

func validateLocation(dataDir, logsDir string) error {
	if !filepath.IsAbs(dataDir) {
		return fmt.Errorf("%w: data dir %q is not absolute", ErrInvalidLocation, dataDir)
	}
	if !filepath.IsAbs(logsDir) {
		return fmt.Errorf("%w: logs dir %q is not absolute", ErrInvalidLocation, logsDir)
	}
	return nil
}

// cloneAttributes deep-copies maps and slices so callers cannot mutate
// a record through a shared reference.
func cloneAttributes(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAttributes(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
