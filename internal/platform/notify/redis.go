package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisStream appends events to a Redis stream, trimmed to roughly MaxLen.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func streamValues(ev Event) (map[string]interface{}, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type":       ev.Type,
		"patient_id": ev.PatientID.String(),
		"version":    strconv.Itoa(ev.Version),
		"data":       string(data),
		"timestamp":  strconv.FormatInt(ev.OccurredAt.Unix(), 10),
	}, nil
}

func (r *RedisStream) Notify(ctx context.Context, patientID uuid.UUID, version int) error {
	values, err := streamValues(newEvent(patientID, version))
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
