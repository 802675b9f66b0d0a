package janus

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

// Transport доставляет кадры между клиентом и шлюзом.
//
// Два варианта: запросы с длинным опросом поверх HTTP и постоянное
// соединение. Оба доставляют каждый входящий кадр сессии через dispatch,
// сессия транспорт не опрашивает.
type Transport interface {
	// Open устанавливает соединение и создает сессию на шлюзе.
	// Возвращает идентификатор созданной сессии.
	Open(ctx context.Context) (uint64, error)

	// Send доставляет запрос шлюзу. Адресация берется из полей
	// SessionID и HandleID запроса.
	Send(ctx context.Context, r *Request) error

	// Info запрашивает сведения о шлюзе. Работает и без открытой сессии.
	Info(ctx context.Context) (*ServerInfo, error)

	// Close уничтожает сессию на шлюзе (best effort) и разрывает
	// соединение. Идемпотентен.
	Close(ctx context.Context) error

	// Connected сообщает, живо ли соединение
	Connected() bool
}

// transportHooks обратные вызовы транспорта в сторону сессии
type transportHooks struct {
	// dispatch доставляет входящий кадр сессии
	dispatch func(*ServerMessage)

	// onLost сообщает о безвозвратной потере соединения.
	// Вызывается не более одного раза за время жизни транспорта.
	onLost func(*SignalError)
}

// newTransport выбирает и создает транспорт по схеме адреса шлюза
func newTransport(server string, cfg *Config, registry *transactionRegistry, hooks transportHooks, metrics *MetricsCollector, logger *slog.Logger) (Transport, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, ErrInvalidServerURL(server, err.Error()).WithCause(err)
	}

	switch u.Scheme {
	case "http", "https":
		return newRestTransport(server, cfg, hooks, metrics, logger), nil
	case "ws", "wss":
		return newSocketTransport(server, cfg, registry, hooks, metrics, logger), nil
	default:
		return nil, ErrInvalidServerURL(server, "неизвестная схема, ожидается http(s) или ws(s)")
	}
}

// trimBaseURL нормализует базовый адрес, убирая завершающий слеш
func trimBaseURL(server string) string {
	return strings.TrimRight(server, "/")
}
