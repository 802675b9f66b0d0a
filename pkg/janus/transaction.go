package janus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// newTransactionID генерирует уникальный токен корреляции запроса
func newTransactionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// transactionResult итог ожидания ответа шлюза: кадр либо ошибка
type transactionResult struct {
	msg *ServerMessage
	err *SignalError
}

// pendingTransaction ожидание коррелированного ответа шлюза
type pendingTransaction struct {
	token        string
	kind         MessageKind
	registeredAt time.Time

	// done получает ровно один результат; буфер позволяет доставить его
	// без блокировки даже если ожидающая сторона уже ушла по таймауту
	done chan transactionResult
}

// wait блокируется до прихода результата или отмены контекста
func (p *pendingTransaction) wait(ctx context.Context) (*ServerMessage, *SignalError) {
	select {
	case res := <-p.done:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ErrRequestTimeout(p.kind, time.Since(p.registeredAt)).WithCause(ctx.Err())
	}
}

// transactionRegistry сопоставляет токены запросов с ожидающими их ответами.
//
// Каждая транзакция разрешается ровно один раз: первый коррелированный кадр
// удаляет запись и доставляет результат, последующие кадры с тем же токеном
// регистр уже не находят. Потеря соединения отклоняет все ожидания разом.
type transactionRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingTransaction
	metrics *MetricsCollector
	logger  *slog.Logger
}

// newTransactionRegistry создает пустой регистр транзакций
func newTransactionRegistry(logger *slog.Logger, metrics *MetricsCollector) *transactionRegistry {
	return &transactionRegistry{
		pending: make(map[string]*pendingTransaction),
		metrics: metrics,
		logger:  logger,
	}
}

// register регистрирует ожидание ответа на запрос с данным токеном
func (r *transactionRegistry) register(token string, kind MessageKind) *pendingTransaction {
	p := &pendingTransaction{
		token:        token,
		kind:         kind,
		registeredAt: time.Now(),
		done:         make(chan transactionResult, 1),
	}

	r.mu.Lock()
	r.pending[token] = p
	r.mu.Unlock()

	return p
}

// resolve доставляет кадр ожидающей стороне.
// Возвращает false, если токен неизвестен или уже разрешен.
func (r *transactionRegistry) resolve(token string, msg *ServerMessage) bool {
	r.mu.Lock()
	p, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	p.done <- transactionResult{msg: msg}
	r.metrics.TransactionFinished("resolved")
	return true
}

// fail отклоняет одно ожидание с ошибкой.
// Возвращает false, если токен неизвестен или уже разрешен.
func (r *transactionRegistry) fail(token string, err *SignalError) bool {
	r.mu.Lock()
	p, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	p.done <- transactionResult{err: err}
	r.metrics.TransactionFinished("rejected")
	return true
}

// abandon снимает ожидание без доставки результата.
// Используется, когда ожидающая сторона ушла по таймауту сама.
func (r *transactionRegistry) abandon(token string) {
	r.mu.Lock()
	_, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	r.mu.Unlock()

	if ok {
		r.metrics.TransactionFinished("expired")
	}
}

// rejectAll отклоняет все ожидающие транзакции одной ошибкой.
// Вызывается при потере соединения и закрытии сессии.
func (r *transactionRegistry) rejectAll(err *SignalError) {
	r.mu.Lock()
	orphans := r.pending
	r.pending = make(map[string]*pendingTransaction)
	r.mu.Unlock()

	for token, p := range orphans {
		p.done <- transactionResult{err: err}
		r.metrics.TransactionFinished("rejected")
		r.logger.Debug("transaction rejected on connection loss",
			"transaction", token,
			"kind", p.kind.String(),
		)
	}
}

// size возвращает количество ожидающих транзакций
func (r *transactionRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
