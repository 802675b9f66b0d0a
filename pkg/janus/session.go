package janus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// SessionState состояние жизненного цикла сессии
type SessionState int

const (
	// SessionDisconnected сессия не установлена
	SessionDisconnected SessionState = iota

	// SessionConnecting идет установление сессии
	SessionConnecting

	// SessionConnected сессия установлена, операции доступны
	SessionConnected
)

// String возвращает строковое представление состояния
func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// stringToSessionState преобразует строку конечного автомата в SessionState
func stringToSessionState(state string) SessionState {
	switch state {
	case "connecting":
		return SessionConnecting
	case "connected":
		return SessionConnected
	default:
		return SessionDisconnected
	}
}

// SessionCallbacks содержит обработчики событий сессии.
//
// Вызываются на горутинах транспорта и не должны блокироваться.
type SessionCallbacks struct {
	// OnConnected вызывается после установления сессии
	OnConnected func(sessionID uint64)

	// OnDisconnected вызывается после закрытия сессии с ее прежним
	// идентификатором. Срабатывает и на явный Disconnect, и на каскад
	// после потери соединения.
	OnDisconnected func(sessionID uint64)

	// OnConnectionLost вызывается ровно один раз при безвозвратной потере
	// соединения, до каскада очистки
	OnConnectionLost func(err *SignalError)
}

// Session представляет сессию сигнального клиента на шлюзе.
//
// Объединяет все компоненты клиента:
//   - Транспорт (длинный опрос или постоянное соединение, по схеме адреса)
//   - Регистр транзакций для корреляции запросов и ответов
//   - Карту подключенных обработчиков плагинов
//   - Конечный автомат жизненного цикла
//
// Все операции являются thread-safe. Входящие кадры шлюза доставляются
// последовательно на горутине транспорта.
type Session struct {
	// конфигурация
	config *Config

	// транспорт текущего подключения; nil вне состояния connected
	transport Transport

	// внутренние структуры
	registry  *transactionRegistry
	handles   map[uint64]*Handle
	sessionID uint64
	callbacks SessionCallbacks
	mutex     sync.RWMutex

	// FSM жизненного цикла
	lifecycle *fsm.FSM

	metrics *MetricsCollector
	logger  *slog.Logger
}

// NewSession создает сессию с заданной конфигурацией.
//
// Выполняет валидацию, заполняет значения по умолчанию и инициализирует
// внутренние структуры. Сессия создается в состоянии disconnected,
// установление выполняется отдельным вызовом Connect.
func NewSession(config *Config) (*Session, error) {
	if config == nil {
		return nil, ErrInvalidConfig("Config", nil, "конфигурация обязательна")
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger.With("component", "janus")
	metrics := NewMetricsCollector(config.Metrics)

	s := &Session{
		config:  config,
		handles: make(map[uint64]*Handle),
		metrics: metrics,
		logger:  logger,
	}
	s.registry = newTransactionRegistry(logger, metrics)
	s.initLifecycle()

	return s, nil
}

// initLifecycle инициализирует конечный автомат жизненного цикла
func (s *Session) initLifecycle() {
	s.lifecycle = fsm.NewFSM(
		"disconnected",
		fsm.Events{
			// Начало установления сессии
			{Name: "connect", Src: []string{"disconnected"}, Dst: "connecting"},
			// Сессия создана на шлюзе
			{Name: "establish", Src: []string{"connecting"}, Dst: "connected"},
			// Установление не удалось
			{Name: "fail", Src: []string{"connecting"}, Dst: "disconnected"},
			// Закрытие или потеря установленной сессии
			{Name: "drop", Src: []string{"connecting", "connected"}, Dst: "disconnected"},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				s.metrics.StateTransition("session", e.Src, e.Dst)
				s.logger.Debug("session state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// State возвращает текущее состояние сессии
func (s *Session) State() SessionState {
	return stringToSessionState(s.lifecycle.Current())
}

// ID возвращает идентификатор сессии на шлюзе (0 вне connected)
func (s *Session) ID() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.sessionID
}

// OnConnected устанавливает callback установления сессии
func (s *Session) OnConnected(callback func(sessionID uint64)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.callbacks.OnConnected = callback
}

// OnDisconnected устанавливает callback закрытия сессии
func (s *Session) OnDisconnected(callback func(sessionID uint64)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.callbacks.OnDisconnected = callback
}

// OnConnectionLost устанавливает callback потери соединения
func (s *Session) OnConnectionLost(callback func(err *SignalError)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.callbacks.OnConnectionLost = callback
}

// servers возвращает основной и запасные адреса в порядке перебора
func (s *Session) servers() []string {
	out := make([]string, 0, 1+len(s.config.Servers))
	out = append(out, s.config.Server)
	out = append(out, s.config.Servers...)
	return out
}

// buildTransport создает транспорт для адреса с привязкой к сессии
func (s *Session) buildTransport(server string) (Transport, *SignalError) {
	// Замыкание захватывает переменную до присваивания: транспорт
	// сообщает о потере себя же, сессия отбрасывает устаревшие уведомления
	var tr Transport
	hooks := transportHooks{
		dispatch: s.handleMessage,
		onLost: func(err *SignalError) {
			s.connectionLost(tr, err)
		},
	}

	built, err := newTransport(server, s.config, s.registry, hooks, s.metrics, s.logger)
	if err != nil {
		return nil, asSignalError(err)
	}
	tr = built
	return built, nil
}

// Connect устанавливает сессию на шлюзе.
//
// Адреса перебираются по порядку, пока один не ответит. Повторный вызов
// на установленной сессии не делает ничего и возвращает nil.
func (s *Session) Connect(ctx context.Context) error {
	s.mutex.Lock()
	switch s.State() {
	case SessionConnected:
		s.mutex.Unlock()
		return nil
	case SessionConnecting:
		s.mutex.Unlock()
		return ErrSessionConnecting()
	}
	_ = s.lifecycle.Event(ctx, "connect")
	s.mutex.Unlock()

	var lastErr *SignalError
	for _, server := range s.servers() {
		tr, serr := s.buildTransport(server)
		if serr != nil {
			lastErr = serr
			continue
		}

		id, err := tr.Open(ctx)
		if err != nil {
			lastErr = asSignalError(err)
			s.logger.Warn("gateway connect failed", "server", server, "error", err)
			continue
		}

		s.mutex.Lock()
		if s.State() != SessionConnecting {
			// Disconnect перегнал установление
			s.mutex.Unlock()
			_ = tr.Close(ctx)
			return ErrSessionClosed(id)
		}
		s.transport = tr
		s.sessionID = id
		_ = s.lifecycle.Event(ctx, "establish")
		cb := s.callbacks.OnConnected
		s.mutex.Unlock()

		s.metrics.SessionOpened()
		s.logger.Info("session established", "server", server, "session_id", id)
		if cb != nil {
			cb(id)
		}
		return nil
	}

	s.mutex.Lock()
	_ = s.lifecycle.Event(ctx, "fail")
	s.mutex.Unlock()

	if lastErr == nil {
		lastErr = ErrInvalidConfig("Server", "", "нет адресов шлюза")
	}
	return lastErr
}

// Disconnect закрывает сессию.
//
// Очистка выполняется безусловно и не зависит от исхода сетевого закрытия:
// все обработчики принудительно освобождаются, ожидающие транзакции
// отклоняются, идентификатор сессии сбрасывается. Возвращаемая ошибка
// относится только к уничтожению сессии на шлюзе.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.shutdown(ctx, nil)
}

// Reconnect закрывает текущую сессию и безусловно устанавливает новую
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.Disconnect(ctx); err != nil {
		s.logger.Warn("disconnect during reconnect failed", "error", err)
	}
	return s.Connect(ctx)
}

// shutdown общий каскад очистки для явного отключения и потери соединения
func (s *Session) shutdown(ctx context.Context, cause *SignalError) error {
	s.mutex.Lock()
	if s.State() == SessionDisconnected {
		s.mutex.Unlock()
		return nil
	}
	prior := s.sessionID
	tr := s.transport
	orphans := s.handles
	s.handles = make(map[uint64]*Handle)
	s.sessionID = 0
	s.transport = nil
	_ = s.lifecycle.Event(ctx, "drop")
	cb := s.callbacks.OnDisconnected
	s.mutex.Unlock()

	// Обработчики освобождаются безусловно, независимо от исхода закрытия
	for _, h := range orphans {
		h.releaseLocal("session shutdown")
	}

	reject := cause
	if reject == nil {
		reject = ErrSessionClosed(prior)
	}
	s.registry.rejectAll(reject)

	var closeErr error
	if tr != nil {
		closeErr = tr.Close(ctx)
	}

	s.metrics.SessionClosed()
	s.logger.Info("session closed", "session_id", prior)
	if cb != nil {
		cb(prior)
	}
	return closeErr
}

// connectionLost обрабатывает безвозвратную потерю соединения.
//
// Уведомления от транспортов, которые сессии уже не принадлежат,
// отбрасываются, поэтому потеря порождает ровно одно уведомление
// и ровно один каскад очистки.
func (s *Session) connectionLost(from Transport, err *SignalError) {
	s.mutex.Lock()
	if s.transport == nil || s.transport != from || s.State() == SessionDisconnected {
		s.mutex.Unlock()
		return
	}
	cb := s.callbacks.OnConnectionLost
	s.mutex.Unlock()

	s.metrics.ErrorOccurred(err)
	s.logger.Error("connection to gateway lost", "error", err)
	if cb != nil {
		cb(err)
	}

	// Уничтожать сессию на шлюзе бессмысленно, но ресурсы транспорта
	// (соединение, горутины опроса) освободить все равно нужно
	_ = s.shutdown(context.Background(), err)
}

// AttachOpts параметры подключения обработчика плагина
type AttachOpts struct {
	// OpaqueID клиентская метка обработчика для корреляции в логах шлюза
	OpaqueID string

	// Media параметры медиа по умолчанию. Используются автоответом
	// на удаленные предложения.
	Media MediaOptions

	// Callbacks обработчики событий. Задаются до подключения, чтобы
	// не потерять события, пришедшие сразу после него.
	Callbacks HandleCallbacks
}

// Attach подключает обработчик плагина к сессии.
//
// Параметры:
//   - plugin: имя плагина, например "janus.plugin.echotest"
//   - opts: метка, медиа по умолчанию и обработчики событий
//
// Возвращает подключенный обработчик, зарегистрированный в сессии.
func (s *Session) Attach(ctx context.Context, plugin string, opts AttachOpts) (*Handle, error) {
	s.mutex.RLock()
	connected := s.State() == SessionConnected
	sid := s.sessionID
	s.mutex.RUnlock()
	if !connected {
		return nil, ErrSessionNotConnected("attach")
	}

	msg, serr := s.roundTrip(ctx, &Request{
		Janus:     KindAttach,
		SessionID: sid,
		Plugin:    plugin,
		OpaqueID:  opts.OpaqueID,
	})
	if serr != nil {
		return nil, serr
	}
	if msg.Data == nil || msg.Data.ID == 0 {
		return nil, ErrMalformedFrame(nil).WithField("reason", "attach response without handle id")
	}

	h := newHandle(s, msg.Data.ID, plugin, opts)

	s.mutex.Lock()
	if s.State() != SessionConnected {
		s.mutex.Unlock()
		h.releaseLocal("session closed during attach")
		return nil, ErrSessionClosed(sid)
	}
	s.handles[h.id] = h
	s.mutex.Unlock()

	s.metrics.HandleAttached()
	s.logger.Debug("handle attached", "handle_id", h.id, "plugin", plugin)
	if h.callbacks.OnAttached != nil {
		h.callbacks.OnAttached()
	}
	return h, nil
}

// Handle возвращает обработчик по идентификатору
func (s *Session) Handle(id uint64) (*Handle, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	h, ok := s.handles[id]
	return h, ok
}

// FindHandle ищет первый обработчик, удовлетворяющий предикату
func (s *Session) FindHandle(predicate func(*Handle) bool) *Handle {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, h := range s.handles {
		if predicate(h) {
			return h
		}
	}
	return nil
}

// Handles возвращает снимок всех подключенных обработчиков
func (s *Session) Handles() []*Handle {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// removeHandle удаляет обработчик из карты сессии
func (s *Session) removeHandle(id uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.handles[id]; !ok {
		return false
	}
	delete(s.handles, id)
	return true
}

// findHandleByID ищет обработчик для входящего кадра
func (s *Session) findHandleByID(id uint64) (*Handle, bool) {
	if id == 0 {
		return nil, false
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	h, ok := s.handles[id]
	return h, ok
}

// Info запрашивает сведения о шлюзе через текущий транспорт
func (s *Session) Info(ctx context.Context) (*ServerInfo, error) {
	s.mutex.RLock()
	tr := s.transport
	s.mutex.RUnlock()
	if tr == nil {
		return nil, ErrSessionNotConnected("info")
	}
	return tr.Info(ctx)
}

// roundTrip отправляет запрос и ждет коррелированный ответ шлюза.
//
// Единый контракт результата: кадр success, ack или event при успехе,
// *SignalError при любом отказе, включая кадры error шлюза.
func (s *Session) roundTrip(ctx context.Context, r *Request) (*ServerMessage, *SignalError) {
	s.mutex.RLock()
	tr := s.transport
	s.mutex.RUnlock()
	if tr == nil {
		return nil, ErrSessionNotConnected(r.Janus.String())
	}

	token := newTransactionID()
	r.Transaction = token
	pending := s.registry.register(token, r.Janus)
	s.metrics.RequestSent(r.Janus)

	rctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	if err := tr.Send(rctx, r); err != nil {
		s.registry.abandon(token)
		return nil, asSignalError(err)
	}

	msg, serr := pending.wait(rctx)
	if serr != nil {
		s.registry.abandon(token)
		return nil, serr
	}

	if msg.Janus == KindError && msg.Error != nil {
		rejected := ErrGatewayRejected(msg.Error.Code, msg.Error.Reason).
			WithHandle(r.SessionID, r.HandleID)
		s.metrics.ErrorOccurred(rejected)
		return nil, rejected
	}
	return msg, nil
}

// handleMessage доставляет входящий кадр по назначению.
//
// Ответные кадры разрешают транзакции, события и статусы уходят
// адресованным обработчикам, нераспознанные виды игнорируются.
func (s *Session) handleMessage(msg *ServerMessage) {
	s.metrics.FrameReceived(msg.Janus)

	switch msg.Janus {
	case KindSuccess, KindAck, KindError, KindServerInfo:
		if msg.Transaction != "" && s.registry.resolve(msg.Transaction, msg) {
			return
		}
		if msg.Janus == KindError && msg.Error != nil {
			s.logger.Warn("uncorrelated gateway error",
				"code", msg.Error.Code, "reason", msg.Error.Reason)
			return
		}
		s.logger.Debug("uncorrelated reply dropped",
			"kind", msg.Janus.String(), "transaction", msg.Transaction)

	case KindEvent:
		// Кадр может одновременно завершать транзакцию и нести событие:
		// каналы независимы, доставляется и туда, и туда
		if msg.Transaction != "" {
			s.registry.resolve(msg.Transaction, msg)
		}
		h, ok := s.findHandleByID(msg.Sender)
		if !ok {
			s.logger.Warn("event from unknown handle dropped", "sender", msg.Sender)
			s.metrics.ErrorOccurred(ErrUnknownSender(s.ID(), msg.Sender))
			return
		}
		h.handleEvent(msg)

	case KindWebRTCUp:
		// Шлюз может поднять медиа в ответ на коррелированный запрос
		if msg.Transaction != "" {
			s.registry.resolve(msg.Transaction, msg)
		}
		h, ok := s.findHandleByID(msg.Sender)
		if !ok {
			s.logger.Debug("status frame for unknown handle dropped",
				"kind", msg.Janus.String(), "sender", msg.Sender)
			return
		}
		h.handleStatus(msg)

	case KindMedia, KindSlowLink:
		h, ok := s.findHandleByID(msg.Sender)
		if !ok {
			s.logger.Debug("status frame for unknown handle dropped",
				"kind", msg.Janus.String(), "sender", msg.Sender)
			return
		}
		h.handleStatus(msg)

	case KindTrickle:
		// Шлюз тоже может передавать кандидатов инкрементально
		h, ok := s.findHandleByID(msg.Sender)
		if !ok {
			s.logger.Debug("trickle for unknown handle dropped", "sender", msg.Sender)
			return
		}
		h.handleTrickle(msg)

	case KindHangup:
		h, ok := s.findHandleByID(msg.Sender)
		if !ok {
			s.logger.Debug("hangup for unknown handle dropped", "sender", msg.Sender)
			return
		}
		s.removeHandle(h.id)
		h.notifyHangup(msg.Reason)
		h.releaseLocal("gateway hangup")

	case KindDetached:
		h, ok := s.findHandleByID(msg.Sender)
		if !ok {
			return
		}
		s.removeHandle(h.id)
		h.releaseLocal("detached by gateway")

	case KindTimeout:
		s.logger.Warn("gateway timed out the session", "session_id", msg.SessionID)
		s.mutex.RLock()
		tr := s.transport
		s.mutex.RUnlock()
		if tr != nil {
			s.connectionLost(tr, ErrSessionTimedOut(msg.SessionID))
		}

	case KindKeepalive:
		// Коррелированный кадр подтверждает собственный keepalive,
		// без транзакции это эхо длинного опроса при отсутствии событий
		if msg.Transaction != "" {
			s.registry.resolve(msg.Transaction, msg)
		}

	default:
		s.logger.Debug("unrecognized frame kind ignored", "kind", msg.Janus.String())
	}
}
