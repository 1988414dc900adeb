package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// checkpoint is the object body written for one connector.
type checkpoint struct {
	Connector string                         `json:"connector"`
	SavedAt   time.Time                      `json:"saved_at"`
	Orders    map[string]domain.TrackedOrder `json:"orders"`
}

// CheckpointStore implements domain.OrderStateStore on object storage. The
// whole registry of a connector lives in one JSON object at
// {prefix}/{connector}.json, overwritten on every Save.
type CheckpointStore struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
	now    func() time.Time
}

// NewCheckpointStore creates a CheckpointStore. An empty prefix defaults to
// "checkpoints".
func NewCheckpointStore(writer domain.BlobWriter, reader domain.BlobReader, prefix string) *CheckpointStore {
	if prefix == "" {
		prefix = "checkpoints"
	}
	return &CheckpointStore{writer: writer, reader: reader, prefix: prefix, now: time.Now}
}

// Path returns the object key of a connector's checkpoint.
func (s *CheckpointStore) Path(connector string) string {
	return fmt.Sprintf("%s/%s.json", s.prefix, connector)
}

// Save overwrites the checkpoint of connector.
func (s *CheckpointStore) Save(ctx context.Context, connector string, orders map[string]domain.TrackedOrder) error {
	if orders == nil {
		orders = map[string]domain.TrackedOrder{}
	}
	body, err := json.Marshal(checkpoint{
		Connector: connector,
		SavedAt:   s.now().UTC(),
		Orders:    orders,
	})
	if err != nil {
		return fmt.Errorf("s3blob: marshal checkpoint %s: %w", connector, err)
	}
	if err := s.writer.Put(ctx, s.Path(connector), bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("s3blob: save checkpoint %s: %w", connector, err)
	}
	return nil
}

// Load reads the checkpoint of connector. A missing object yields an empty
// map, as on a first start.
func (s *CheckpointStore) Load(ctx context.Context, connector string) (map[string]domain.TrackedOrder, error) {
	body, err := s.reader.Get(ctx, s.Path(connector))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return map[string]domain.TrackedOrder{}, nil
		}
		return nil, fmt.Errorf("s3blob: load checkpoint %s: %w", connector, err)
	}
	defer body.Close()

	var cp checkpoint
	if err := json.NewDecoder(body).Decode(&cp); err != nil {
		return nil, fmt.Errorf("s3blob: decode checkpoint %s: %w", connector, err)
	}
	if cp.Connector != "" && cp.Connector != connector {
		return nil, fmt.Errorf("s3blob: checkpoint %s belongs to %s", connector, cp.Connector)
	}
	if cp.Orders == nil {
		cp.Orders = map[string]domain.TrackedOrder{}
	}
	return cp.Orders, nil
}

// Compile-time interface check.
var _ domain.OrderStateStore = (*CheckpointStore)(nil)
