package db

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Пространство advisory-блокировок чата; второй ключ hashtext(request_id)
const requestLockSpace = 0x43484154

const unlockTimeout = 5 * time.Second

// LockRequest берет advisory-блокировку заявки на отдельном соединении. Блокировка общая
// для всех инстансов на одной базе. Запросы с возвращенным контекстом идут через это
// соединение; контекст не отменяется вместе с ctx.
func (r *MessageRepository) LockRequest(ctx context.Context, requestID string) (context.Context, func(), error) {
	c, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := c.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, requestLockSpace, requestID); err != nil {
		// Соединение с прерванным ожиданием в пул не возвращаем
		_ = c.Hijack().Close(context.Background())
		return nil, nil, fmt.Errorf("lock request %s: %w", requestID, err)
	}

	unlock := sync.OnceFunc(func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if _, err := c.Exec(ctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, requestLockSpace, requestID); err != nil {
			// Закрытие сессии снимает блокировку
			_ = c.Hijack().Close(ctx)
			return
		}
		c.Release()
	})
	return context.WithValue(context.WithoutCancel(ctx), connKey{}, c), unlock, nil
}

// requestLocks блокировки заявок для хранилища в памяти; ожидание прерывается ctx
type requestLocks struct {
	mu    sync.Mutex
	locks map[string]*requestLock
}

type requestLock struct {
	ch   chan struct{}
	refs int
}

func newRequestLocks() *requestLocks {
	return &requestLocks{locks: make(map[string]*requestLock)}
}

func (l *requestLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &requestLock{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return sync.OnceFunc(func() {
			<-e.ch
			l.release(key, e)
		}), nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

func (l *requestLocks) release(key string, e *requestLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *requestLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
