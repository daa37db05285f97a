package countstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var redisCountPrefix = "riskmod/count/"
var redisEventsPrefix = "riskmod/events/"

// Rolling counts using one sorted set per counter (scored by event time), plus
// a plain integer key for the unbounded total.
type RedisCountStore struct {
	Client *redis.Client
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisCountStore{Client: rdb}, nil
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	k := counterKey(name, val)
	w := window(period)
	if w == 0 {
		c, err := s.Client.Get(ctx, redisCountPrefix+k).Int()
		if err == redis.Nil {
			return 0, nil
		} else if err != nil {
			return 0, err
		}
		return c, nil
	}
	since := strconv.FormatInt(time.Now().Add(-w).UnixMilli(), 10)
	c, err := s.Client.ZCount(ctx, redisEventsPrefix+k, "("+since, "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(c), nil
}

func (s *RedisCountStore) Increment(ctx context.Context, name, val string) error {
	k := counterKey(name, val)
	now := time.Now()
	month := window(PeriodMonth)

	// update the event set and the total in a single redis round-trip
	multi := s.Client.TxPipeline()
	multi.ZAdd(ctx, redisEventsPrefix+k, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	})
	multi.ZRemRangeByScore(ctx, redisEventsPrefix+k, "-inf", strconv.FormatInt(now.Add(-month).UnixMilli(), 10))
	multi.Expire(ctx, redisEventsPrefix+k, month+24*time.Hour)
	multi.Incr(ctx, redisCountPrefix+k)
	// no expiration for total

	_, err := multi.Exec(ctx)
	return err
}
