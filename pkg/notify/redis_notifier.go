package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/praxisrange/praxis/pkg/obs"
)

// DefaultQueueKey is the list the notification service consumes.
const DefaultQueueKey = "praxis:notifications"

// RedisNotifier pushes events onto a Redis list for the notification
// service to deliver.
type RedisNotifier struct {
	client *redis.Client
	key    string
}

func NewRedisNotifier(addr string, db int, password, key string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisNotifier{client: client, key: key}, nil
}

// NewRedisNotifierFromClient wires an existing client; tests pass one backed
// by miniredis.
func NewRedisNotifierFromClient(client *redis.Client, key string) *RedisNotifier {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisNotifier{client: client, key: key}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev *Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.client.RPush(ctx, n.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

// LogNotifier writes events to the log. Default when no notification
// backend is configured.
type LogNotifier struct {
	Logger obs.Logger
}

func NewLogNotifier(logger obs.Logger) *LogNotifier {
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, ev *Event) error {
	n.Logger.Info(ctx, "notification", map[string]any{
		"kind":        string(ev.Kind),
		"instance_id": string(ev.InstanceID),
		"user_id":     string(ev.UserID),
		"lab_id":      string(ev.LabID),
		"message":     ev.Message,
	})
	return nil
}

var (
	_ Notifier = (*RedisNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
