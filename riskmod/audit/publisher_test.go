package audit

import (
	"context"
	"testing"

	"github.com/magickw/linkdao-riskmod/riskmod/model"

	"github.com/stretchr/testify/assert"
)

func TestRedisPublisher(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	p, err := NewRedisPublisher("redis://localhost:6379/0", "riskmod/test-reputation-events")
	if err != nil {
		t.Fail()
	}
	assert.NoError(p.Publish(ctx, ReputationEvent{DecisionID: "d1", SubmitterID: "alice", Action: model.ActionBlock}))
	n, err := p.Client.XLen(ctx, p.Stream).Result()
	assert.NoError(err)
	assert.Greater(n, int64(0))
	assert.NoError(p.Client.Del(ctx, p.Stream).Err())
}

func TestLogPublisher(t *testing.T) {
	assert.NoError(t, LogPublisher{}.Publish(context.Background(), ReputationEvent{DecisionID: "d1"}))
}
