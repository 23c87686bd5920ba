package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devrev/stamps/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStreamNotifier appends cell events to a Redis stream
type RedisStreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisStreamNotifier creates a notifier writing to stream. maxLen caps the
// stream length approximately; zero leaves it unbounded.
func NewRedisStreamNotifier(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisStreamNotifier {
	return &RedisStreamNotifier{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// NotifyCellCreated publishes a cell.created entry
func (n *RedisStreamNotifier) NotifyCellCreated(ctx context.Context, cell *model.Cell) error {
	payload, err := json.Marshal(NewCellCreatedEvent(cell))
	if err != nil {
		return fmt.Errorf("failed to marshal cell event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"type":    "cell.created",
			"cell_id": cell.CellID,
			"payload": string(payload),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	id, err := n.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish cell event to %s: %w", n.stream, err)
	}

	n.logger.Debug("Published cell event",
		zap.String("stream", n.stream),
		zap.String("entry_id", id),
		zap.String("cell_id", cell.CellID))
	return nil
}
