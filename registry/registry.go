// Package registry reads the project registry shared with the dashboard UI.
// The registry file is owned by the UI; the engine treats it as read-only.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Project is one registered project.
type Project struct {
	// ID uniquely identifies the project across the dashboard.
	ID string `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// Path is the absolute path to the project working tree.
	Path string `json:"path"`
}

// Registry provides access to the registered projects.
type Registry struct {
	path string
}

// New creates a Registry reading from the given file path.
func New(path string) *Registry {
	return &Registry{path: path}
}

// NewDefault creates a Registry reading $HOME/.specflow/projects.json.
func NewDefault() (*Registry, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return New(filepath.Join(home, ".specflow", "projects.json")), nil
}

// List returns all registered projects. A missing registry file yields an
// empty list; an unreadable or malformed file is an error.
func (r *Registry) List() ([]Project, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read project registry: %w", err)
	}

	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("parse project registry: %w", err)
	}
	return projects, nil
}

// Get returns the project with the given id.
func (r *Registry) Get(id string) (*Project, error) {
	projects, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].ID == id {
			return &projects[i], nil
		}
	}
	return nil, fmt.Errorf("project %q not registered", id)
}
