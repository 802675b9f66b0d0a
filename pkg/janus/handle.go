package janus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// NegotiationState состояние согласования медиа обработчика
type NegotiationState int

const (
	// NegotiationNone локальный дескриптор не создан
	NegotiationNone NegotiationState = iota

	// NegotiationCreated локальный дескриптор создан, но не отправлен шлюзу
	NegotiationCreated

	// NegotiationSent локальный дескриптор доставлен шлюзу
	NegotiationSent
)

// String возвращает строковое представление состояния согласования
func (s NegotiationState) String() string {
	switch s {
	case NegotiationCreated:
		return "local_created"
	case NegotiationSent:
		return "local_sent"
	default:
		return "no_description"
	}
}

// stringToNegotiationState преобразует строку конечного автомата в NegotiationState
func stringToNegotiationState(state string) NegotiationState {
	switch state {
	case "local_created":
		return NegotiationCreated
	case "local_sent":
		return NegotiationSent
	default:
		return NegotiationNone
	}
}

// HandleCallbacks содержит обработчики событий подключенного плагина.
//
// Задаются один раз через AttachOpts до подключения и далее не меняются,
// поэтому события, пришедшие сразу после attach, не теряются. Вызываются
// на горутинах транспорта и медиадвижка и не должны блокироваться.
type HandleCallbacks struct {
	// OnAttached вызывается после подключения обработчика к плагину
	OnAttached func()

	// OnDetached вызывается ровно один раз при освобождении обработчика,
	// независимо от того, какая сторона его отключила
	OnDetached func()

	// OnEvent вызывается на каждое событие плагина. Прилагаемый дескриптор
	// к этому моменту уже применен как удаленный.
	OnEvent func(event json.RawMessage, jsep *JSEP)

	// OnWebRTCUp медиасоединение со шлюзом установлено
	OnWebRTCUp func()

	// OnMedia шлюз начал или перестал принимать медиапоток
	OnMedia func(kind string, receiving bool)

	// OnSlowLink шлюз сообщил о деградации канала
	OnSlowLink func(uplink bool, lost int64)

	// OnHangup шлюз сбросил медиасоединение. Вызывается до OnDetached.
	OnHangup func(reason string)

	// OnRemoteStream у медиадвижка появился удаленный поток
	OnRemoteStream func(stream StreamInfo)

	// OnConnectionStateChange изменилось состояние медиасоединения
	OnConnectionStateChange func(state string)

	// OnDataOpen канал данных открыт
	OnDataOpen func(label string)

	// OnDataMessage пришло сообщение по каналу данных
	OnDataMessage func(label string, payload []byte)

	// OnDataClose канал данных закрыт
	OnDataClose func(label string)
}

// Handle представляет обработчик плагина, подключенный к сессии.
//
// Обработчик объединяет сигнальную адресацию (идентификатор на шлюзе)
// и согласование медиа. Медиадвижок создается лениво при первой операции
// согласования и живет до сброса или отключения обработчика.
//
// Все операции являются thread-safe.
type Handle struct {
	// идентификация
	id       uint64
	plugin   string
	opaqueID string

	// сессия-владелец
	session *Session

	// обработчики событий, неизменяемы после подключения
	callbacks HandleCallbacks

	// медиа по умолчанию для автоответа на удаленные предложения
	defaultMedia MediaOptions

	// согласование
	engine      MediaEngine
	negotiation *fsm.FSM
	localDesc   *JSEP
	remoteDesc  *JSEP
	adopting    bool
	trickle     bool

	// кандидаты шлюза, пришедшие до удаленного дескриптора
	earlyCandidates []Candidate

	// жизненный цикл
	detached    bool
	releaseOnce sync.Once
	mutex       sync.RWMutex

	logger *slog.Logger
}

// newHandle создает обработчик после успешного attach на шлюзе
func newHandle(s *Session, id uint64, plugin string, opts AttachOpts) *Handle {
	h := &Handle{
		id:           id,
		plugin:       plugin,
		opaqueID:     opts.OpaqueID,
		session:      s,
		callbacks:    opts.Callbacks,
		defaultMedia: opts.Media,
		trickle:      opts.Media.TrickleEnabled(),
		logger:       s.logger.With("handle_id", id, "plugin", plugin),
	}
	h.initNegotiation()
	return h
}

// initNegotiation инициализирует конечный автомат согласования
func (h *Handle) initNegotiation() {
	h.negotiation = fsm.NewFSM(
		"no_description",
		fsm.Events{
			// Локальный дескриптор создан и принят
			{Name: "create", Src: []string{"no_description"}, Dst: "local_created"},
			// Локальный дескриптор доставлен шлюзу
			{Name: "send", Src: []string{"local_created"}, Dst: "local_sent"},
			// Сброс медиасоединения
			{Name: "reset", Src: []string{"local_created", "local_sent"}, Dst: "no_description"},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				h.session.metrics.StateTransition("negotiation", e.Src, e.Dst)
			},
		},
	)
}

// ID возвращает идентификатор обработчика на шлюзе
func (h *Handle) ID() uint64 {
	return h.id
}

// Plugin возвращает имя плагина
func (h *Handle) Plugin() string {
	return h.plugin
}

// OpaqueID возвращает клиентскую метку обработчика
func (h *Handle) OpaqueID() string {
	return h.opaqueID
}

// Detached сообщает, освобожден ли обработчик
func (h *Handle) Detached() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.detached
}

// NegotiationState возвращает текущее состояние согласования
func (h *Handle) NegotiationState() NegotiationState {
	return stringToNegotiationState(h.negotiation.Current())
}

// LocalDescription возвращает принятый локальный дескриптор (nil, если не создан)
func (h *Handle) LocalDescription() *JSEP {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.localDesc
}

// RemoteDescription возвращает примененный удаленный дескриптор
func (h *Handle) RemoteDescription() *JSEP {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.remoteDesc
}

// ensureEngineLocked возвращает медиадвижок, создавая его при первой операции
// согласования. Вызывается под h.mutex.
func (h *Handle) ensureEngineLocked(operation string) (MediaEngine, *SignalError) {
	if h.detached {
		return nil, ErrHandleDetached(operation)
	}
	if h.engine != nil {
		return h.engine, nil
	}

	factory := h.session.config.Engine
	if factory == nil {
		return nil, ErrNoEngineFactory(operation)
	}

	events := EngineEvents{
		OnLocalCandidate:    h.onLocalCandidate,
		OnGatheringComplete: h.onGatheringComplete,
		OnRemoteStream: func(stream StreamInfo) {
			if cb := h.callbacks.OnRemoteStream; cb != nil {
				cb(stream)
			}
		},
		OnConnectionStateChange: func(state string) {
			h.logger.Debug("media connection state changed", "state", state)
			if cb := h.callbacks.OnConnectionStateChange; cb != nil {
				cb(state)
			}
		},
		OnDataOpen: func(label string) {
			if cb := h.callbacks.OnDataOpen; cb != nil {
				cb(label)
			}
		},
		OnDataMessage: func(label string, payload []byte) {
			if cb := h.callbacks.OnDataMessage; cb != nil {
				cb(label, payload)
			}
		},
		OnDataClose: func(label string) {
			if cb := h.callbacks.OnDataClose; cb != nil {
				cb(label)
			}
		},
	}

	engine, err := factory(h.session.config.EngineConfig, events)
	if err != nil {
		return nil, ErrEngineFailure(operation, err).WithHandle(h.session.ID(), h.id)
	}
	h.engine = engine
	h.logger.Debug("media engine created")
	return engine, nil
}

// CreateOffer создает локальное предложение через медиадвижок.
//
// Движок опрашивается при каждом вызове. Черновик принимается как локальный
// дескриптор, только если локального еще нет; иначе свежий черновик
// возвращается без принятия, существующий дескриптор не перезаписывается.
// Принятый дескриптор не отправляется: доставка выполняется последующим
// SendMessage.
func (h *Handle) CreateOffer(ctx context.Context, opts MediaOptions) (*JSEP, error) {
	h.mutex.Lock()
	engine, serr := h.ensureEngineLocked("createOffer")
	if serr != nil {
		h.mutex.Unlock()
		return nil, serr
	}
	adopt := h.localDesc == nil && !h.adopting
	if adopt {
		h.adopting = true
		h.trickle = opts.TrickleEnabled()
	}
	h.mutex.Unlock()

	// Движок работает вне блокировки: он может синхронно сообщать кандидатов
	jsep, err := engine.CreateOffer(ctx, opts)
	if err != nil {
		h.abandonAdoption(adopt)
		return nil, ErrEngineFailure("createOffer", err).WithHandle(h.session.ID(), h.id)
	}
	if !adopt {
		return jsep, nil
	}
	return h.adoptLocal(ctx, engine, jsep, "createOffer")
}

// CreateAnswer создает локальный ответ на принятое ранее удаленное предложение.
//
// Требует примененного удаленного дескриптора. Как и CreateOffer, опрашивает
// движок при каждом вызове, но принимает черновик только при отсутствии
// локального дескриптора и ничего не отправляет.
func (h *Handle) CreateAnswer(ctx context.Context, opts MediaOptions) (*JSEP, error) {
	h.mutex.Lock()
	if h.remoteDesc == nil {
		h.mutex.Unlock()
		return nil, ErrNoRemoteDescription("createAnswer").WithHandle(h.session.ID(), h.id)
	}
	engine, serr := h.ensureEngineLocked("createAnswer")
	if serr != nil {
		h.mutex.Unlock()
		return nil, serr
	}
	adopt := h.localDesc == nil && !h.adopting
	if adopt {
		h.adopting = true
		h.trickle = opts.TrickleEnabled()
	}
	h.mutex.Unlock()

	jsep, err := engine.CreateAnswer(ctx, opts)
	if err != nil {
		h.abandonAdoption(adopt)
		return nil, ErrEngineFailure("createAnswer", err).WithHandle(h.session.ID(), h.id)
	}
	if !adopt {
		return jsep, nil
	}
	return h.adoptLocal(ctx, engine, jsep, "createAnswer")
}

// adoptLocal применяет черновик через движок и принимает итог как локальный.
// Вызывается только победителем заявки adopting: параллельные вызовы
// получают свои черновики без принятия.
func (h *Handle) adoptLocal(ctx context.Context, engine MediaEngine, jsep *JSEP, operation string) (*JSEP, error) {
	adopted, err := engine.SetLocalDescription(ctx, jsep)
	if err != nil {
		h.abandonAdoption(true)
		return nil, ErrEngineFailure(operation, err).WithHandle(h.session.ID(), h.id)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.adopting = false
	if h.detached {
		return nil, ErrHandleDetached(operation)
	}
	h.localDesc = adopted
	_ = h.negotiation.Event(ctx, "create")
	h.logger.Debug("local descriptor adopted", "type", adopted.Type)
	return adopted, nil
}

// abandonAdoption снимает заявку на принятие после неудачи движка
func (h *Handle) abandonAdoption(claimed bool) {
	if !claimed {
		return
	}
	h.mutex.Lock()
	h.adopting = false
	h.mutex.Unlock()
}

// SetRemoteDescription применяет удаленный дескриптор к медиадвижку.
//
// Если дескриптор является предложением и локального еще нет, автоматически
// создается ответ с медиапараметрами по умолчанию. Созданный ответ
// принимается как локальный, но не отправляется.
func (h *Handle) SetRemoteDescription(ctx context.Context, jsep *JSEP) error {
	if jsep == nil {
		return ErrInvalidConfig("jsep", nil, "дескриптор обязателен")
	}

	h.mutex.Lock()
	engine, serr := h.ensureEngineLocked("setRemoteDescription")
	if serr != nil {
		h.mutex.Unlock()
		return serr
	}
	h.mutex.Unlock()

	if err := engine.SetRemoteDescription(ctx, jsep); err != nil {
		return ErrEngineFailure("setRemoteDescription", err).WithHandle(h.session.ID(), h.id)
	}

	h.mutex.Lock()
	h.remoteDesc = jsep
	answerNeeded := jsep.IsOffer() && h.localDesc == nil
	media := h.defaultMedia
	queued := h.earlyCandidates
	h.earlyCandidates = nil
	h.mutex.Unlock()
	h.logger.Debug("remote descriptor applied", "type", jsep.Type)

	// Кандидаты, пришедшие раньше дескриптора, применяются вдогонку
	for _, candidate := range queued {
		if err := engine.AddRemoteCandidate(candidate); err != nil {
			h.logger.Debug("queued remote candidate rejected", "error", err)
		}
	}

	if !answerNeeded {
		return nil
	}
	if _, err := h.CreateAnswer(ctx, media); err != nil {
		return err
	}
	return nil
}

// handleTrickle обрабатывает кадр trickle со стороны шлюза.
//
// Кандидат применяется к медиадвижку сразу, если удаленный дескриптор уже
// есть, иначе откладывается до его применения.
func (h *Handle) handleTrickle(msg *ServerMessage) {
	if msg.Candidate == nil {
		h.logger.Debug("trickle frame without candidate ignored")
		return
	}

	h.mutex.Lock()
	if h.detached {
		h.mutex.Unlock()
		return
	}
	if h.remoteDesc == nil || h.engine == nil {
		h.earlyCandidates = append(h.earlyCandidates, *msg.Candidate)
		h.mutex.Unlock()
		h.logger.Debug("remote candidate queued until remote descriptor")
		return
	}
	engine := h.engine
	h.mutex.Unlock()

	if err := engine.AddRemoteCandidate(*msg.Candidate); err != nil {
		h.logger.Debug("remote candidate rejected", "error", err)
	}
}

// SendMessage отправляет сообщение плагину и ждет ответ шлюза.
//
// Параметры:
//   - body: непрозрачное тело для плагина, nil превращается в пустой объект
//   - jsep: прилагаемый дескриптор. При nil автоматически прилагается
//     созданный, но еще не отправленный локальный дескриптор.
//
// Локальный дескриптор считается отправленным только после подтверждения
// шлюза. Возвращает завершающий кадр: success с данными плагина либо ack,
// если плагин ответит событием позже.
func (h *Handle) SendMessage(ctx context.Context, body any, jsep *JSEP) (*ServerMessage, error) {
	h.mutex.Lock()
	if h.detached {
		h.mutex.Unlock()
		return nil, ErrHandleDetached("message")
	}
	attach := jsep
	markSent := false
	if attach == nil {
		if h.localDesc != nil && stringToNegotiationState(h.negotiation.Current()) == NegotiationCreated {
			attach = h.localDesc
			markSent = true
		}
	} else if h.localDesc != nil && attach.Type == h.localDesc.Type && attach.SDP == h.localDesc.SDP {
		markSent = true
	}
	sid := h.session.ID()
	h.mutex.Unlock()

	if body == nil {
		body = struct{}{}
	}

	msg, serr := h.session.roundTrip(ctx, &Request{
		Janus:     KindMessage,
		SessionID: sid,
		HandleID:  h.id,
		Body:      body,
		JSEP:      attach,
	})
	if serr != nil {
		return nil, serr
	}

	if markSent {
		h.mutex.Lock()
		if stringToNegotiationState(h.negotiation.Current()) == NegotiationCreated {
			_ = h.negotiation.Event(ctx, "send")
		}
		h.mutex.Unlock()
	}
	return msg, nil
}

// Trickle передает ICE кандидата шлюзу.
// При candidate равном nil передается признак завершения сбора.
func (h *Handle) Trickle(ctx context.Context, candidate *Candidate) error {
	h.mutex.RLock()
	detached := h.detached
	h.mutex.RUnlock()
	if detached {
		return ErrHandleDetached("trickle")
	}

	if candidate == nil {
		candidate = &Candidate{Completed: true}
	}

	_, serr := h.session.roundTrip(ctx, &Request{
		Janus:     KindTrickle,
		SessionID: h.session.ID(),
		HandleID:  h.id,
		Candidate: candidate,
	})
	if serr != nil {
		return serr
	}
	return nil
}

// onLocalCandidate доставляет найденного движком кандидата шлюзу.
// Без инкрементальной передачи кандидаты остаются внутри полного SDP.
func (h *Handle) onLocalCandidate(candidate Candidate) {
	h.mutex.RLock()
	trickle := h.trickle
	detached := h.detached
	h.mutex.RUnlock()
	if detached || !trickle {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.session.config.RequestTimeout)
		defer cancel()
		if err := h.Trickle(ctx, &candidate); err != nil {
			h.logger.Debug("trickle candidate delivery failed", "error", err)
		}
	}()
}

// onGatheringComplete сообщает шлюзу о завершении сбора кандидатов
func (h *Handle) onGatheringComplete() {
	h.mutex.RLock()
	trickle := h.trickle
	detached := h.detached
	h.mutex.RUnlock()
	if detached || !trickle {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.session.config.RequestTimeout)
		defer cancel()
		if err := h.Trickle(ctx, &Candidate{Completed: true}); err != nil {
			h.logger.Debug("trickle completion delivery failed", "error", err)
		}
	}()
}

// SendData отправляет сообщение по каналу данных медиасоединения
func (h *Handle) SendData(label string, payload []byte) error {
	h.mutex.RLock()
	engine := h.engine
	detached := h.detached
	h.mutex.RUnlock()

	if detached {
		return ErrHandleDetached("data")
	}
	if engine == nil {
		return ErrNoMediaSession("data").WithHandle(h.session.ID(), h.id)
	}
	if err := engine.SendData(label, payload); err != nil {
		return ErrEngineFailure("data", err).WithHandle(h.session.ID(), h.id)
	}
	return nil
}

// Hangup сбрасывает медиасоединение, сохраняя подключение к плагину.
//
// Медиадвижок закрывается, дескрипторы забываются, согласование
// возвращается в исходное состояние. При sendRequest шлюз уведомляется
// кадром hangup. После сброса обработчик готов к новому согласованию.
func (h *Handle) Hangup(ctx context.Context, sendRequest bool) error {
	h.mutex.Lock()
	if h.detached {
		h.mutex.Unlock()
		return ErrHandleDetached("hangup")
	}
	engine := h.engine
	h.engine = nil
	h.localDesc = nil
	h.remoteDesc = nil
	h.earlyCandidates = nil
	if stringToNegotiationState(h.negotiation.Current()) != NegotiationNone {
		_ = h.negotiation.Event(ctx, "reset")
	}
	sid := h.session.ID()
	h.mutex.Unlock()

	if engine != nil {
		if err := engine.Close(); err != nil {
			h.logger.Debug("engine close failed", "error", err)
		}
	}
	h.logger.Debug("media torn down", "notify_gateway", sendRequest)

	if !sendRequest {
		return nil
	}
	_, serr := h.session.roundTrip(ctx, &Request{
		Janus:     KindHangup,
		SessionID: sid,
		HandleID:  h.id,
	})
	if serr != nil {
		return serr
	}
	return nil
}

// Detach отключает обработчик от плагина.
//
// Локальные ресурсы освобождаются безусловно и до сетевого запроса:
// исход запроса detach на них не влияет. Возвращаемая ошибка относится
// только к уведомлению шлюза. Повторный вызов завершается сразу и без
// сети: ресурсы уже освобождены.
func (h *Handle) Detach(ctx context.Context) error {
	h.mutex.Lock()
	if h.detached {
		h.mutex.Unlock()
		return nil
	}
	sid := h.session.ID()
	h.mutex.Unlock()

	h.session.removeHandle(h.id)
	h.releaseLocal("detach requested")

	_, serr := h.session.roundTrip(ctx, &Request{
		Janus:     KindDetach,
		SessionID: sid,
		HandleID:  h.id,
	})
	if serr != nil {
		return serr
	}
	return nil
}

// notifyHangup передает приложению причину сброса со стороны шлюза
func (h *Handle) notifyHangup(reason string) {
	h.logger.Debug("gateway hung up media", "reason", reason)
	if cb := h.callbacks.OnHangup; cb != nil {
		cb(reason)
	}
}

// releaseLocal освобождает локальные ресурсы обработчика ровно один раз.
// Ничего не отправляет: сетевая сторона отключения остается за вызывающим.
func (h *Handle) releaseLocal(reason string) {
	h.releaseOnce.Do(func() {
		h.mutex.Lock()
		engine := h.engine
		h.engine = nil
		h.detached = true
		h.localDesc = nil
		h.remoteDesc = nil
		h.earlyCandidates = nil
		if stringToNegotiationState(h.negotiation.Current()) != NegotiationNone {
			_ = h.negotiation.Event(context.Background(), "reset")
		}
		h.mutex.Unlock()

		if engine != nil {
			if err := engine.Close(); err != nil {
				h.logger.Debug("engine close failed", "error", err)
			}
		}

		h.session.metrics.HandleDetached()
		h.logger.Debug("handle released", "reason", reason)
		if cb := h.callbacks.OnDetached; cb != nil {
			cb()
		}
	})
}

// handleEvent обрабатывает событие плагина от шлюза.
//
// Прилагаемый дескриптор применяется как удаленный до доставки события
// приложению, даже если самого события в кадре нет. Кадр без данных
// плагина приложению не доставляется. Ошибка применения дескриптора
// доставку не отменяет.
func (h *Handle) handleEvent(msg *ServerMessage) {
	if msg.JSEP != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.session.config.RequestTimeout)
		if err := h.SetRemoteDescription(ctx, msg.JSEP); err != nil {
			h.logger.Error("failed to apply remote descriptor from event", "error", err)
		}
		cancel()
	}

	if msg.PluginData == nil {
		h.logger.Debug("event frame without plugin data dropped")
		return
	}

	if cb := h.callbacks.OnEvent; cb != nil {
		cb(msg.PluginData.Data, msg.JSEP)
	}
}

// handleStatus обрабатывает статусные кадры медиасоединения
func (h *Handle) handleStatus(msg *ServerMessage) {
	switch msg.Janus {
	case KindWebRTCUp:
		h.logger.Debug("media connection established")
		if cb := h.callbacks.OnWebRTCUp; cb != nil {
			cb()
		}

	case KindMedia:
		receiving := msg.Receiving != nil && *msg.Receiving
		h.logger.Debug("media flow changed", "kind", msg.Type, "receiving", receiving)
		if cb := h.callbacks.OnMedia; cb != nil {
			cb(msg.Type, receiving)
		}

	case KindSlowLink:
		uplink := msg.Uplink != nil && *msg.Uplink
		h.logger.Debug("slow link reported", "uplink", uplink, "lost", msg.Lost)
		if cb := h.callbacks.OnSlowLink; cb != nil {
			cb(uplink, msg.Lost)
		}
	}
}
