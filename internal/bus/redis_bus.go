package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rajivgeraev/flippy-chat/internal/logger"
)

const (
	redisDialTimeout = 5 * time.Second
	// Буфер канала подписки; при переполнении go-redis ждет читателя
	redisChannelSize = 1024
)

// redisBus рассылает конверты через redis pub/sub. Каждый инстанс подписан на один канал
// и получает в том числе собственные публикации.
type redisBus struct {
	log     *logger.Logger
	client  *goredis.Client
	channel string
}

// NewRedisBus подключается к redis и проверяет соединение
func NewRedisBus(log *logger.Logger, addr, channel string) (Bus, error) {
	if addr == "" {
		return nil, errors.New("redis bus: REDIS_ADDR is empty")
	}
	if channel == "" {
		channel = "chat-events"
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: redisDialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis bus: ping %s: %w", addr, err)
	}

	log.Info("redis bus connected", "addr", addr, "channel", channel)
	return &redisBus{
		log:     log.With("component", "RedisBus", "channel", channel),
		client:  client,
		channel: channel,
	}, nil
}

// Publish отправляет конверт всем подписчикам канала
func (b *redisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// StartForwarder подписывается на канал и возвращается, когда redis подтвердил подписку.
// Конверты передаются в onMsg до отмены ctx.
func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(env Envelope)) error {
	if onMsg == nil {
		return errors.New("redis bus: nil forwarder callback")
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	// Первым ответом redis подтверждает подписку
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	go b.forward(ctx, pubsub, onMsg)
	return nil
}

func (b *redisBus) forward(ctx context.Context, pubsub *goredis.PubSub, onMsg func(env Envelope)) {
	defer pubsub.Close()

	messages := pubsub.Channel(goredis.WithChannelSize(redisChannelSize))
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-messages:
			if !ok {
				b.log.Warn("redis subscription closed")
				return
			}
			env, err := decodeEnvelope([]byte(m.Payload))
			if err != nil {
				b.log.Warn("skipping malformed envelope", "error", err)
				continue
			}
			onMsg(env)
		}
	}
}

func (b *redisBus) Close() error {
	return b.client.Close()
}
