package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Delivers decision events to the downstream reputation service, which owns
// reputation score persistence.
type ReputationPublisher interface {
	Publish(ctx context.Context, ev ReputationEvent) error
}

// Logs events instead of delivering them.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev ReputationEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("reputation event", "decision_id", ev.DecisionID, "submitter", ev.SubmitterID, "action", ev.Action)
	return nil
}

const DefaultReputationStream = "riskmod/reputation-events"

// Appends events to a redis stream, which the reputation service consumes.
type RedisPublisher struct {
	Client *redis.Client
	Stream string
	// approximate cap on stream length; zero means unbounded
	MaxLen int64
}

func NewRedisPublisher(redisURL, stream string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err = rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %v", err)
	}
	if stream == "" {
		stream = DefaultReputationStream
	}
	return &RedisPublisher{Client: rdb, Stream: stream, MaxLen: 1_000_000}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev ReputationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream,
		MaxLen: p.MaxLen,
		Approx: p.MaxLen > 0,
		Values: map[string]any{
			"decision_id": ev.DecisionID,
			"submitter":   ev.SubmitterID,
			"action":      string(ev.Action),
			"event":       string(body),
		},
	}).Err()
}
