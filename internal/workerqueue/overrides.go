package workerqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	r "github.com/redis/go-redis/v9"
)

var ErrInvalidOverrides = errors.New("invalid worker queue overrides")

// Overrides maps an id to the worker queue its runs should go to. Lookups run
// in field order; the first hit wins.
type Overrides struct {
	EnvironmentID map[string]string `json:"environmentId,omitempty"`
	ProjectID     map[string]string `json:"projectId,omitempty"`
	OrgID         map[string]string `json:"orgId,omitempty"`
	WorkerQueue   map[string]string `json:"workerQueue,omitempty"`
}

// ParseOverrides decodes and validates an override document. Empty input is
// a valid empty table.
func ParseOverrides(raw []byte) (*Overrides, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return &Overrides{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var o Overrides
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverrides, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidOverrides)
	}
	for field, m := range map[string]map[string]string{
		"environmentId": o.EnvironmentID,
		"projectId":     o.ProjectID,
		"orgId":         o.OrgID,
		"workerQueue":   o.WorkerQueue,
	} {
		for k, v := range m {
			if k == "" || v == "" {
				return nil, fmt.Errorf("%w: %s has an empty key or queue", ErrInvalidOverrides, field)
			}
		}
	}
	return &o, nil
}

// Store keeps the raw override document in Redis so every process resolves
// against the same table.
type Store struct {
	rdb r.UniversalClient
	key string
}

func NewStore(rdb r.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, key: prefix + "workerQueueOverrides"}
}

// Load returns the stored document, or nil when none is set.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == r.Nil {
		return nil, nil
	}
	return b, err
}

// Save validates raw before storing it. Empty input clears the table.
func (s *Store) Save(ctx context.Context, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return s.rdb.Del(ctx, s.key).Err()
	}
	if _, err := ParseOverrides(raw); err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key, raw, 0).Err()
}
