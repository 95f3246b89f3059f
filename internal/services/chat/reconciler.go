package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
	"github.com/rajivgeraev/flippy-chat/internal/metrics"
	"github.com/rajivgeraev/flippy-chat/internal/models"
)

const (
	// Попыток обновить статус до постановки в очередь
	statusAttempts = 3

	// Период фоновой повторной отправки
	reconcileInterval = 10 * time.Second
)

// Reconciler доводит до Request Service смену статуса заявки, вызванную уже сохраненным
// сообщением протокола предложений. Сообщение остается записью намерения, статус догоняет его.
type Reconciler struct {
	requests RequestService
	log      *logger.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	interval time.Duration

	// newBackOff создает политику задержек для встроенных повторов
	newBackOff func() backoff.BackOff

	locks   *keyedMutex
	mu      sync.Mutex
	pending map[string]models.RequestStatus // requestID -> последний невыставленный статус
}

// NewReconciler создает Reconciler. timeout ограничивает каждый вызов Request Service.
func NewReconciler(requests RequestService, log *logger.Logger, m *metrics.Metrics, timeout time.Duration) *Reconciler {
	return &Reconciler{
		requests: requests,
		log:      log.With("component", "StatusReconciler"),
		metrics:  m,
		timeout:  timeout,
		interval: reconcileInterval,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		locks:   newKeyedMutex(),
		pending: make(map[string]models.RequestStatus),
	}
}

// Apply выставляет статус заявки с несколькими повторами. Если все попытки неудачны,
// статус уходит в очередь фоновой сверки, а ошибка возвращается вызывающему для логирования.
func (r *Reconciler) Apply(ctx context.Context, requestID string, status models.RequestStatus) error {
	unlock := r.locks.Lock(requestID)
	defer unlock()

	// Более новый статус заменяет ожидающий в очереди
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()

	err := r.set(ctx, requestID, status, statusAttempts)
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrNotFound) {
		r.log.Warn("request vanished, status dropped", "request_id", requestID, "status", status)
		return err
	}

	r.mu.Lock()
	r.pending[requestID] = status
	r.mu.Unlock()
	r.count("queued")
	r.log.Warn("request status update queued for reconciliation",
		"request_id", requestID, "status", status, "error", err)
	return err
}

func (r *Reconciler) set(ctx context.Context, requestID string, status models.RequestStatus, attempts uint64) error {
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		err := r.requests.SetRequestStatus(callCtx, requestID, status)
		if errors.Is(err, db.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), attempts-1), ctx)
	return backoff.Retry(op, b)
}

// Pending возвращает копию очереди сверки
func (r *Reconciler) Pending() map[string]models.RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.RequestStatus, len(r.pending))
	for k, v := range r.pending {
		out[k] = v
	}
	return out
}

// PendingStatus статус заявки, ожидающий сверки, если он есть
func (r *Reconciler) PendingStatus(requestID string) (models.RequestStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.pending[requestID]
	return status, ok
}

// Flush один проход по очереди. Возвращает количество оставшихся записей.
func (r *Reconciler) Flush(ctx context.Context) int {
	for requestID, status := range r.Pending() {
		if ctx.Err() != nil {
			break
		}
		r.retry(ctx, requestID, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) retry(ctx context.Context, requestID string, status models.RequestStatus) {
	unlock := r.locks.Lock(requestID)
	defer unlock()

	// Пока ждали блокировку, Apply мог выставить более новый статус
	r.mu.Lock()
	current, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok || current != status {
		return
	}

	err := r.set(ctx, requestID, status, 1)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		r.count("failed")
		r.log.Debug("reconcile attempt failed", "request_id", requestID, "error", err)
		return
	}

	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
	if err != nil {
		r.log.Warn("request vanished, status dropped", "request_id", requestID, "status", status)
		return
	}
	r.count("recovered")
	r.log.Info("request status reconciled", "request_id", requestID, "status", status)
}

// Run периодически повторяет очередь до отмены контекста
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if left := len(r.Pending()); left > 0 {
				r.log.Warn("reconciler stopped with pending updates", "pending", left)
			}
			return nil
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

func (r *Reconciler) count(outcome string) {
	if r.metrics != nil {
		r.metrics.StatusRetries.WithLabelValues(outcome).Inc()
	}
}
