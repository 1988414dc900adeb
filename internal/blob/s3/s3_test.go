package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// memBlobs is an in-memory BlobWriter and BlobReader.
type memBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	multipart int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.multipart++
	m.mu.Unlock()
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("mem: %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	store := NewCheckpointStore(blobs, blobs, "")

	orders := map[string]domain.TrackedOrder{
		"B-1": {
			ClientOrderID: "B-1",
			TradingPair:   "KX-YES",
			Side:          domain.OrderSideBuy,
			Price:         decimal.RequireFromString("0.42"),
			Amount:        decimal.RequireFromString("5"),
			State:         domain.OrderStateOpen,
			FillIDs:       []string{"t1"},
		},
	}
	require.NoError(t, store.Save(ctx, "kalshi", orders))
	assert.Equal(t, "application/json", blobs.types["checkpoints/kalshi.json"])

	got, err := store.Load(ctx, "kalshi")
	require.NoError(t, err)
	require.Contains(t, got, "B-1")
	assert.True(t, got["B-1"].Price.Equal(decimal.RequireFromString("0.42")))
	assert.Equal(t, []string{"t1"}, got["B-1"].FillIDs)
}

func TestCheckpointStoreMissingIsEmpty(t *testing.T) {
	blobs := newMemBlobs()
	store := NewCheckpointStore(blobs, blobs, "cp")

	got, err := store.Load(context.Background(), "polymarket")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "cp/polymarket.json", store.Path("polymarket"))
}

func TestCheckpointStoreRejectsForeignConnector(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	store := NewCheckpointStore(blobs, blobs, "")
	require.NoError(t, blobs.Put(ctx, store.Path("kalshi"),
		strings.NewReader(`{"connector":"polymarket","orders":{}}`), "application/json"))

	_, err := store.Load(ctx, "kalshi")
	require.Error(t, err)
}

// fakeAudit serves a fixed entry set and records Log calls.
type fakeAudit struct {
	entries []domain.AuditEntry
	logged  []string
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.logged = append(f.logged, event)
	return nil
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var in []domain.AuditEntry
	for _, e := range f.entries {
		if e.CreatedAt.Before(*opts.Since) || e.CreatedAt.After(*opts.Until) {
			continue
		}
		in = append(in, e)
	}
	if opts.Offset >= len(in) {
		return nil, nil
	}
	in = in[opts.Offset:]
	if len(in) > opts.Limit {
		in = in[:opts.Limit]
	}
	return in, nil
}

func TestAuditArchiverArchiveDay(t *testing.T) {
	day := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	audit := &fakeAudit{}
	for i := 0; i < archivePageSize+5; i++ {
		audit.entries = append(audit.entries, domain.AuditEntry{
			ID: int64(i), Event: "order_filled", CreatedAt: day.Add(time.Duration(i) * time.Second),
		})
	}
	audit.entries = append(audit.entries, domain.AuditEntry{ID: -1, Event: "late", CreatedAt: day.Add(25 * time.Hour)})

	blobs := newMemBlobs()
	n, err := NewAuditArchiver(blobs, audit).ArchiveDay(context.Background(), day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(archivePageSize+5), n)

	body := blobs.objects["archive/audit/2025-01-31.jsonl"]
	require.NotNil(t, body)
	assert.Equal(t, archivePageSize+5, bytes.Count(body, []byte("\n")))
	assert.NotContains(t, string(body), `"late"`)
	assert.Equal(t, []string{"archive.audit"}, audit.logged)
	assert.Zero(t, blobs.multipart)
}

func TestAuditArchiverEmptyDay(t *testing.T) {
	audit := &fakeAudit{}
	blobs := newMemBlobs()
	n, err := NewAuditArchiver(blobs, audit).ArchiveDay(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
	assert.Empty(t, audit.logged)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local", normaliseEndpoint("minio.local", true))
	assert.Equal(t, "http://minio.local", normaliseEndpoint("minio.local", false))
	assert.Equal(t, "https://r2.example", normaliseEndpoint("https://r2.example", false))
}
