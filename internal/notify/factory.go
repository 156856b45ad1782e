package notify

import (
	"fmt"

	"github.com/dkeye/ptt/internal/config"
	"github.com/redis/go-redis/v9"
)

// New builds the dispatcher named by cfg.Driver. The returned closer
// releases whatever connection the dispatcher holds. Driver "none" or ""
// yields a nil Dispatcher.
func New(cfg config.NotifyConfig) (Dispatcher, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case "", "none":
		return nil, noop, nil
	case "log":
		return NewLog(), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedis(client, cfg.Redis.Channel), client.Close, nil
	case "kafka":
		k, err := NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, noop, err
		}
		return k, k.Close, nil
	}
	return nil, noop, fmt.Errorf("notify: unknown driver %q", cfg.Driver)
}
