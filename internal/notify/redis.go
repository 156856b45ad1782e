package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis publishes announcements as JSON on a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = "ptt:announcements"
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Announce(ctx context.Context, a Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}
