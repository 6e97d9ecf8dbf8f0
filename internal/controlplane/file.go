package controlplane

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dandantas/lookout/internal/model"
)

// defaultIntervalMinutes applies to catalogue checks that set no interval
const defaultIntervalMinutes = 5

// FileSource serves the schedule from the YAML check catalogue. The file is
// read again on every fetch so schedule edits apply at the next refresh.
type FileSource struct {
	path string

	mu   sync.Mutex
	last *model.Catalogue
}

// NewFileSource creates a source backed by the catalogue at path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) load() (*model.Catalogue, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrUnavailable, f.path, err)
	}

	var cat model.Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrUnavailable, f.path, err)
	}

	f.mu.Lock()
	f.last = &cat
	f.mu.Unlock()
	return &cat, nil
}

// FetchActiveChecks returns every enabled catalogue check that runs in region
func (f *FileSource) FetchActiveChecks(_ context.Context, region string) ([]model.CheckSchedule, error) {
	cat, err := f.load()
	if err != nil {
		return nil, err
	}
	defs, err := cat.Definitions()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rows := make([]model.CheckSchedule, 0, len(defs))
	for _, def := range defs {
		if def.Disabled || !def.RunsIn(region) {
			continue
		}
		interval := def.IntervalMinutes
		if interval <= 0 {
			interval = defaultIntervalMinutes
		}
		rows = append(rows, model.CheckSchedule{
			CheckID:         def.ID,
			ExecutionKind:   def.Kind,
			IntervalMinutes: interval,
			Region:          region,
		})
	}
	return rows, nil
}

// FetchMaintenanceWindows returns the catalogue's maintenance list
func (f *FileSource) FetchMaintenanceWindows(_ context.Context) (map[string]struct{}, error) {
	cat, err := f.load()
	if err != nil {
		return nil, err
	}

	windows := make(map[string]struct{}, len(cat.Maintenance))
	for _, id := range cat.Maintenance {
		windows[id] = struct{}{}
	}
	return windows, nil
}

// FetchCredential returns the credential listed for checkID, or an empty one
func (f *FileSource) FetchCredential(_ context.Context, checkID string) (*model.Credential, error) {
	f.mu.Lock()
	cat := f.last
	f.mu.Unlock()

	if cat == nil {
		var err error
		if cat, err = f.load(); err != nil {
			return nil, err
		}
	}

	cred, ok := cat.Credentials[checkID]
	if !ok {
		return &model.Credential{}, nil
	}
	cred.Exists = !cred.Empty()
	return &cred, nil
}
