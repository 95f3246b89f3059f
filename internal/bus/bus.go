package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rajivgeraev/flippy-chat/internal/config"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
)

// Target кому адресован конверт
type Target string

const (
	TargetRoom    Target = "room"
	TargetUser    Target = "user"
	TargetSession Target = "session"
)

// Envelope событие для локальной доставки на каждом инстансе
type Envelope struct {
	Target      Target          `json:"target"`
	Key         string          `json:"key"`                    // request_id, user_id или session_id
	ExcludeUser string          `json:"exclude_user,omitempty"` // только для TargetRoom
	Event       json.RawMessage `json:"event"`
}

// Bus доставляет конверты всем инстансам сервиса, включая отправителя
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	StartForwarder(ctx context.Context, onMsg func(env Envelope)) error
	Close() error
}

// New создаёт шину по конфигурации. Для драйвера none возвращает nil:
// доставка тогда остаётся внутри процесса.
func New(log *logger.Logger, cfg config.BusConfig) (Bus, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "redis":
		return NewRedisBus(log, cfg.RedisAddr, cfg.RedisChannel)
	case "nats":
		return NewNATSBus(log, cfg.NATSURL, cfg.NATSSubject)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// decodeEnvelope разбирает конверт из шины; конверт без адресата отбрасывается
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Target {
	case TargetRoom, TargetUser, TargetSession:
	default:
		return Envelope{}, fmt.Errorf("decode envelope: unknown target %q", env.Target)
	}
	if env.Key == "" {
		return Envelope{}, errors.New("decode envelope: empty key")
	}
	return env, nil
}
