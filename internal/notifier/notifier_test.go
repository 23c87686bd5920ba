package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/util/workerpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCell() *model.Cell {
	return &model.Cell{
		CellID:             "c-1",
		CellName:           "cell-eastus-dedicated-abc123",
		BackendPool:        "pool-eastus-dedicated-abc123",
		Type:               model.CellTypeDedicated,
		Region:             "eastus",
		MaxTenantCount:     1,
		Status:             model.CellStatusProvisioning,
		ComplianceFeatures: []string{"HIPAA"},
	}
}

func TestRedisStreamNotifier_Publishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewRedisStreamNotifier(client, "placement:cells", 100, zap.NewNop())
	require.NoError(t, n.NotifyCellCreated(context.Background(), testCell()))

	entries, err := client.XRange(context.Background(), "placement:cells", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cell.created", entries[0].Values["type"])
	assert.Equal(t, "c-1", entries[0].Values["cell_id"])

	var event CellCreatedEvent
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &event))
	assert.Equal(t, "Dedicated", event.Type)
	assert.Equal(t, []string{"HIPAA"}, event.ComplianceFeatures)
}

func TestRedisStreamNotifier_ConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	n := NewRedisStreamNotifier(client, "placement:cells", 0, zap.NewNop())
	assert.Error(t, n.NotifyCellCreated(context.Background(), testCell()))
}

type recordingNotifier struct {
	mu    sync.Mutex
	cells []string
	fail  int
}

func (r *recordingNotifier) NotifyCellCreated(ctx context.Context, cell *model.Cell) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("stream unavailable")
	}
	r.cells = append(r.cells, cell.CellID)
	return nil
}

func TestAsyncNotifier_DeliversWithRetry(t *testing.T) {
	inner := &recordingNotifier{fail: 1}
	pool := workerpool.New(workerpool.Config{Name: "notify", Workers: 1, RetryDelay: time.Millisecond})
	n := NewAsyncNotifier(inner, "test", pool, 3, nil, zap.NewNop())

	cell := testCell()
	require.NoError(t, n.NotifyCellCreated(context.Background(), cell))
	// The queued job works on a snapshot
	cell.CellID = "mutated"

	require.NoError(t, n.Close(context.Background()))
	assert.Equal(t, []string{"c-1"}, inner.cells)
	assert.Equal(t, uint64(1), n.Stats().Succeeded)
}

func TestAsyncNotifier_RejectsAfterClose(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Name: "notify", Workers: 1})
	n := NewAsyncNotifier(&recordingNotifier{}, "test", pool, 1, nil, zap.NewNop())
	require.NoError(t, n.Close(context.Background()))

	err := n.NotifyCellCreated(context.Background(), testCell())
	assert.ErrorIs(t, err, workerpool.ErrStopped)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(zap.NewNop()).NotifyCellCreated(context.Background(), testCell()))
}
