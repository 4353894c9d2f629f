package jobxredis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/redis/go-redis/v9"
)

const subscriberBuffer = 64

// PubSub is a jobx.EventBus over Redis PUBLISH/SUBSCRIBE, so observers in
// one process see transitions made by workers in another.
type PubSub struct {
	rdb     *redis.Client
	channel string
}

var _ jobx.EventBus = (*PubSub)(nil)

// NewPubSub creates a bus on channel "jobq:<queue>:events".
func NewPubSub(rdb *redis.Client, queue string) *PubSub {
	return &PubSub{rdb: rdb, channel: fmt.Sprintf("jobq:%s:events", queue)}
}

// Channel returns the Redis channel events are published on.
func (p *PubSub) Channel() string { return p.channel }

// Publish sends ev to every subscriber of the queue.
func (p *PubSub) Publish(ctx context.Context, ev jobx.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return redisErrors.NewWithCause(ErrEncode, err).WithDetail("job_id", ev.JobID)
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return redisErrors.NewWithCause(ErrPublish, err).WithDetail("channel", p.channel)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no event
// published after the call is missed.
func (p *PubSub) Subscribe(ctx context.Context) (<-chan jobx.Event, error) {
	sub := p.rdb.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, redisErrors.NewWithCause(ErrCommand, err).
			WithDetail("op", "subscribe").
			WithDetail("channel", p.channel)
	}

	out := make(chan jobx.Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev jobx.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logx.WithError(err).WithField("channel", p.channel).Warn("jobxredis: dropping malformed event")
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}
