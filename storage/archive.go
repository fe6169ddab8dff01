// Package storage archives terminal orchestration executions in NATS KV.
// The archive is write-once history for the dashboard; it never feeds
// back into the live orchestration path.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/specflowhq/specflow/state"
)

// ErrNotFound indicates the execution is not archived.
var ErrNotFound = errors.New("archived execution not found")

// Bucket is the KV bucket holding archived executions.
const Bucket = "SPECFLOW_ARCHIVE"

// Archive stores terminal orchestration executions keyed by execution id.
type Archive struct {
	kv jetstream.KeyValue
}

// NewArchive creates the archive, creating the KV bucket if needed.
func NewArchive(ctx context.Context, js jetstream.JetStream) (*Archive, error) {
	kv, err := js.KeyValue(ctx, Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      Bucket,
			Description: "SpecFlow archived orchestration executions",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
	}
	return &Archive{kv: kv}, nil
}

// Put archives a terminal execution. Non-terminal executions are rejected.
func (a *Archive) Put(ctx context.Context, exec *state.Execution) error {
	if !exec.Status.IsTerminal() {
		return fmt.Errorf("execution %s is not terminal (%s)", exec.ID, exec.Status)
	}

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := a.kv.Put(ctx, exec.ID, data); err != nil {
		return fmt.Errorf("archive execution: %w", err)
	}
	return nil
}

// Get retrieves an archived execution by id.
func (a *Archive) Get(ctx context.Context, id string) (*state.Execution, error) {
	entry, err := a.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get archived execution: %w", err)
	}

	var exec state.Execution
	if err := json.Unmarshal(entry.Value(), &exec); err != nil {
		return nil, fmt.Errorf("unmarshal archived execution: %w", err)
	}
	return &exec, nil
}

// List returns all archived executions for a project, unordered.
func (a *Archive) List(ctx context.Context, projectID string) ([]*state.Execution, error) {
	keys, err := a.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archive keys: %w", err)
	}

	var executions []*state.Execution
	for _, key := range keys {
		entry, err := a.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var exec state.Execution
		if err := json.Unmarshal(entry.Value(), &exec); err != nil {
			continue
		}
		if exec.ProjectID == projectID {
			executions = append(executions, &exec)
		}
	}
	return executions, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
