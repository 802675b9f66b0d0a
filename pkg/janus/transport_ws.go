package janus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// протокол, который шлюз требует при рукопожатии
const socketSubprotocol = "janus-protocol"

// readLimit защищает клиента от аномально больших кадров
const socketReadLimit = 4 << 20

// SocketTransport транспорт поверх постоянного соединения.
//
// Одна горутина читает все входящие кадры и доставляет их сессии, запись
// сериализуется мьютексом. Пока соединение живо и сессия создана, отдельная
// горутина шлет keepalive с настроенным периодом. Разрыв соединения
// объявляется потерей ровно один раз; запланированное закрытие потерей
// не считается.
type SocketTransport struct {
	serverURL string
	cfg       *Config
	registry  *transactionRegistry
	hooks     transportHooks

	conn    *websocket.Conn
	writeMu sync.Mutex

	sessionID atomic.Uint64
	connected atomic.Bool
	closing   atomic.Bool
	lostOnce  sync.Once

	// done закрывается при остановке читающей горутины
	done chan struct{}

	metrics *MetricsCollector
	logger  *slog.Logger
}

// newSocketTransport создает транспорт постоянного соединения
func newSocketTransport(server string, cfg *Config, registry *transactionRegistry, hooks transportHooks, metrics *MetricsCollector, logger *slog.Logger) *SocketTransport {
	return &SocketTransport{
		serverURL: server,
		cfg:       cfg,
		registry:  registry,
		hooks:     hooks,
		done:      make(chan struct{}),
		metrics:   metrics,
		logger:    logger.With("transport", "socket", "server", server),
	}
}

// decorate добавляет аутентификацию шлюза к запросу
func (t *SocketTransport) decorate(r *Request) {
	if r.APISecret == "" {
		r.APISecret = t.cfg.APISecret
	}
	if r.Token == "" {
		r.Token = t.cfg.Token
	}
}

// Open устанавливает соединение, создает сессию рукопожатием по самому
// соединению и запускает keepalive
func (t *SocketTransport) Open(ctx context.Context) (uint64, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		Subprotocols:     []string{socketSubprotocol},
	}

	conn, _, err := dialer.DialContext(ctx, t.serverURL, nil)
	if err != nil {
		return 0, ErrGatewayUnreachable(t.serverURL, err)
	}
	conn.SetReadLimit(socketReadLimit)

	t.conn = conn
	t.connected.Store(true)

	go t.readLoop()

	// Создание сессии идет через общий регистр: ответ придет читающей
	// горутине и будет скоррелирован по токену
	token := newTransactionID()
	pending := t.registry.register(token, KindCreate)

	create := &Request{Janus: KindCreate, Transaction: token}
	t.decorate(create)

	if err := t.writeFrame(create, t.cfg.RequestTimeout); err != nil {
		t.registry.abandon(token)
		t.teardown()
		return 0, ErrGatewayUnreachable(t.serverURL, err)
	}

	octx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	msg, serr := pending.wait(octx)
	if serr != nil {
		t.registry.abandon(token)
		t.teardown()
		return 0, serr
	}

	switch {
	case msg.Janus == KindError && msg.Error != nil:
		t.teardown()
		return 0, ErrGatewayRejected(msg.Error.Code, msg.Error.Reason)
	case msg.Janus != KindSuccess || msg.Data == nil || msg.Data.ID == 0:
		t.teardown()
		return 0, ErrMalformedFrame(nil).WithField("frame", string(msg.Raw))
	}

	t.sessionID.Store(msg.Data.ID)

	go t.keepaliveLoop()

	t.logger.Debug("session created over socket transport", "session_id", msg.Data.ID)
	return msg.Data.ID, nil
}

// readLoop читает кадры до разрыва соединения
func (t *SocketTransport) readLoop() {
	defer close(t.done)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closing.Load() {
				return
			}
			t.lose(ErrConnectionLost("socket read failed", err).
				WithSession(t.sessionID.Load()))
			return
		}

		frames, perr := parseServerMessages(data)
		if perr != nil {
			t.logger.Warn("malformed frame on socket", "error", perr)
			continue
		}
		for _, frame := range frames {
			t.hooks.dispatch(frame)
		}
	}
}

// keepaliveLoop поддерживает сессию, пока соединение живо
func (t *SocketTransport) keepaliveLoop() {
	if t.cfg.KeepAliveInterval <= 0 {
		return
	}

	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !t.connected.Load() {
				return
			}
			sid := t.sessionID.Load()
			if sid == 0 {
				continue
			}

			ka := &Request{
				Janus:       KindKeepalive,
				SessionID:   sid,
				Transaction: newTransactionID(),
			}
			t.decorate(ka)

			if err := t.writeFrame(ka, t.cfg.RequestTimeout); err != nil {
				t.logger.Debug("keepalive write failed", "error", err)
				continue
			}
			t.metrics.KeepaliveSent()

		case <-t.done:
			return
		}
	}
}

// writeFrame сериализует запись кадра в соединение
func (t *SocketTransport) writeFrame(r *Request, timeout time.Duration) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(r)
}

// Send доставляет запрос шлюзу. Адресация остается в теле кадра,
// идентификатор сессии подставляется, если вызывающий его не указал.
func (t *SocketTransport) Send(ctx context.Context, r *Request) error {
	if !t.connected.Load() {
		return ErrSessionNotConnected("send")
	}

	body := *r
	t.decorate(&body)
	if body.SessionID == 0 {
		body.SessionID = t.sessionID.Load()
	}

	timeout := t.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	if err := t.writeFrame(&body, timeout); err != nil {
		return ErrGatewayUnreachable(t.serverURL, err)
	}
	return nil
}

// Info запрашивает сведения о шлюзе отдельным кадром.
// Сессия для этого не нужна, достаточно соединения.
func (t *SocketTransport) Info(ctx context.Context) (*ServerInfo, error) {
	if !t.connected.Load() {
		return nil, ErrSessionNotConnected("info")
	}

	token := newTransactionID()
	pending := t.registry.register(token, KindInfo)

	info := &Request{Janus: KindInfo, Transaction: token}
	t.decorate(info)

	if err := t.writeFrame(info, t.cfg.RequestTimeout); err != nil {
		t.registry.abandon(token)
		return nil, ErrGatewayUnreachable(t.serverURL, err)
	}

	ictx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	msg, serr := pending.wait(ictx)
	if serr != nil {
		t.registry.abandon(token)
		return nil, serr
	}
	if msg.Janus == KindError && msg.Error != nil {
		return nil, ErrGatewayRejected(msg.Error.Code, msg.Error.Reason)
	}

	parsed, derr := decodeServerInfo(msg)
	if derr != nil {
		return nil, ErrMalformedFrame(derr)
	}
	return parsed, nil
}

// lose объявляет потерю соединения ровно один раз
func (t *SocketTransport) lose(err *SignalError) {
	t.lostOnce.Do(func() {
		if t.closing.Load() {
			return
		}
		t.connected.Store(false)
		// Сессия после уведомления транспорт не закрывает
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.metrics.ConnectionLost(err)
		t.hooks.onLost(err)
	})
}

// teardown разрывает соединение без уведомления о потере.
// Используется при неудачном рукопожатии.
func (t *SocketTransport) teardown() {
	t.closing.Store(true)
	t.connected.Store(false)
	_ = t.conn.Close()
}

// Close уничтожает сессию (best effort) и закрывает соединение.
// Если соединение уже потеряно, ограничивается освобождением ресурсов.
func (t *SocketTransport) Close(ctx context.Context) error {
	if t.closing.Swap(true) {
		return nil
	}
	if t.conn == nil {
		return nil
	}

	sid := t.sessionID.Swap(0)
	alive := t.connected.Load()
	t.connected.Store(false)

	if !alive {
		_ = t.conn.Close()
		return nil
	}

	if sid != 0 {
		destroy := &Request{
			Janus:       KindDestroy,
			SessionID:   sid,
			Transaction: newTransactionID(),
		}
		t.decorate(destroy)
		if err := t.writeFrame(destroy, 2*time.Second); err != nil {
			t.logger.Debug("destroy frame failed on close", "error", err)
		}
	}

	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	return t.conn.Close()
}

// Connected сообщает, живо ли соединение
func (t *SocketTransport) Connected() bool {
	return t.connected.Load()
}
