package janus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// negotiationFixture собирает сессию с управляемым движком и обработчиком
func negotiationFixture(t *testing.T, opts AttachOpts) (*Session, *Handle, *fakeTransport, *engineRecorder) {
	t.Helper()
	rec := &engineRecorder{}
	cfg := testConfig()
	cfg.Engine = rec.factory()

	ft := newFakeTransport()
	s := newConnectedSession(t, cfg, ft)
	h := attachTestHandle(s, 401, opts)
	return s, h, ft, rec
}

// ackAll отвечает ack на каждый запрос обработчика
func ackAll(s *Session, ft *fakeTransport) {
	ft.respondWith(s, func(r *Request) *ServerMessage {
		return &ServerMessage{Janus: KindAck, Transaction: r.Transaction}
	})
}

// TestCreateOfferAdoptsLocalDescription проверяет создание предложения:
// дескриптор принимается как локальный, согласование переходит в
// состояние created, но ничего не отправляется
func TestCreateOfferAdoptsLocalDescription(t *testing.T) {
	_, h, ft, rec := negotiationFixture(t, AttachOpts{})

	jsep, err := h.CreateOffer(context.Background(), MediaOptions{Video: Bool(false)})
	require.NoError(t, err)
	require.NotNil(t, jsep)

	assert.Equal(t, "offer", jsep.Type)
	assert.Equal(t, jsep, h.LocalDescription())
	assert.Equal(t, NegotiationCreated, h.NegotiationState())
	assert.Empty(t, ft.sent(), "offer creation must not touch the network")

	require.Equal(t, 1, rec.count())
	engine := rec.last()
	require.Len(t, engine.offerCalls, 1)
	assert.False(t, engine.offerCalls[0].SendVideo(), "media options reach the engine")
	assert.Equal(t, 1, engine.adoptCount(), "draft goes through the engine adoption step")
}

// TestCreateOfferNeverOverwritesLocal проверяет защиту локального
// дескриптора: повторный вызов опрашивает движок и возвращает свежий
// черновик, но принятый дескриптор остается нетронутым
func TestCreateOfferNeverOverwritesLocal(t *testing.T) {
	_, h, _, rec := negotiationFixture(t, AttachOpts{})

	first, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)

	engine := rec.last()
	engine.offerJSEP = &JSEP{Type: "offer", SDP: "v=0\r\ns=second-draft\r\n"}

	second, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err, "repeat creation still asks the engine")
	require.NotNil(t, second)
	assert.Equal(t, "v=0\r\ns=second-draft\r\n", second.SDP, "caller gets the fresh draft")

	assert.Equal(t, first, h.LocalDescription(), "existing descriptor survives")
	assert.Equal(t, 2, engine.offerCount(), "every call reaches the engine")
	assert.Equal(t, 1, engine.adoptCount(), "only the first draft is adopted")
}

// TestConcurrentOfferSingleWinner проверяет гонку параллельных созданий:
// каждый вызов получает черновик, но локальным становится ровно один
func TestConcurrentOfferSingleWinner(t *testing.T) {
	_, h, _, rec := negotiationFixture(t, AttachOpts{})

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = h.CreateOffer(context.Background(), MediaOptions{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err, "every caller gets a draft")
	}
	assert.NotNil(t, h.LocalDescription())
	assert.Equal(t, NegotiationCreated, h.NegotiationState())
	assert.Equal(t, 1, rec.last().adoptCount(), "exactly one draft is adopted")
}

// TestCreateAnswerRequiresRemoteDescription проверяет отказ создания
// ответа без примененного удаленного предложения
func TestCreateAnswerRequiresRemoteDescription(t *testing.T) {
	_, h, _, _ := negotiationFixture(t, AttachOpts{})

	jsep, err := h.CreateAnswer(context.Background(), MediaOptions{})
	require.Error(t, err)
	assert.Nil(t, jsep)

	var serr *SignalError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "NO_REMOTE_DESCRIPTION", serr.Code)
}

// TestCreateAnswerAfterAutoAnswerReturnsFreshDraft проверяет явный вызов
// после автоответа: движок опрашивается снова, черновик возвращается,
// но принятый ответ не перезаписывается
func TestCreateAnswerAfterAutoAnswerReturnsFreshDraft(t *testing.T) {
	_, h, _, rec := negotiationFixture(t, AttachOpts{})

	offer := &JSEP{Type: "offer", SDP: "v=0\r\ns=remote\r\n"}
	require.NoError(t, h.SetRemoteDescription(context.Background(), offer))

	adopted := h.LocalDescription()
	require.NotNil(t, adopted, "auto answer adopts the first draft")

	engine := rec.last()
	engine.answerJSEP = &JSEP{Type: "answer", SDP: "v=0\r\ns=second-answer\r\n"}

	second, err := h.CreateAnswer(context.Background(), MediaOptions{})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "v=0\r\ns=second-answer\r\n", second.SDP)

	assert.Equal(t, adopted, h.LocalDescription(), "adopted answer survives")
	assert.Equal(t, 2, engine.answerCount())
	assert.Equal(t, 1, engine.adoptCount())
}

// TestCreateOfferWithoutEngineFactory проверяет отказ согласования
// без фабрики медиадвижка в конфигурации
func TestCreateOfferWithoutEngineFactory(t *testing.T) {
	ft := newFakeTransport()
	s := newConnectedSession(t, nil, ft)
	h := attachTestHandle(s, 402, AttachOpts{})

	_, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.Error(t, err)

	var serr *SignalError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "NO_ENGINE_FACTORY", serr.Code)
}

// TestRemoteOfferAutoCreatesAnswer проверяет автоответ на удаленное
// предложение из события: ответ создается с медиапараметрами обработчика
// и принимается как локальный, но шлюзу не отправляется
func TestRemoteOfferAutoCreatesAnswer(t *testing.T) {
	var events int
	s, h, ft, rec := negotiationFixture(t, AttachOpts{
		Media: MediaOptions{Video: Bool(false)},
		Callbacks: HandleCallbacks{
			OnEvent: func(event json.RawMessage, jsep *JSEP) {
				events++
			},
		},
	})

	offer := &JSEP{Type: "offer", SDP: "v=0\r\ns=remote-offer\r\n"}
	s.handleMessage(&ServerMessage{
		Janus:      KindEvent,
		Sender:     401,
		PluginData: &PluginData{Plugin: "janus.plugin.test", Data: json.RawMessage(`{}`)},
		JSEP:       offer,
	})

	assert.Equal(t, 1, events, "event still reaches the application")
	assert.Equal(t, offer, h.RemoteDescription())

	local := h.LocalDescription()
	require.NotNil(t, local, "answer must be adopted as local")
	assert.Equal(t, "answer", local.Type)
	assert.Equal(t, NegotiationCreated, h.NegotiationState(), "answer is created, not sent")
	assert.Empty(t, ft.sent(), "auto answer must not be delivered automatically")

	engine := rec.last()
	require.Equal(t, 1, engine.answerCount())
	assert.False(t, engine.answerOpts[0].SendVideo(), "attach media defaults reach the answer")
	assert.Equal(t, offer, engine.remoteDescription())

	// доставка выполняется явным SendMessage, дескриптор прилагается сам
	ackAll(s, ft)
	_, err := h.SendMessage(context.Background(), map[string]any{"request": "start"}, nil)
	require.NoError(t, err)

	sent := ft.sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].JSEP)
	assert.Equal(t, "answer", sent[0].JSEP.Type)
	assert.Equal(t, NegotiationSent, h.NegotiationState())
}

// TestRemoteAnswerDoesNotTriggerAutoAnswer проверяет, что удаленный
// ответ на собственное предложение автоответа не вызывает
func TestRemoteAnswerDoesNotTriggerAutoAnswer(t *testing.T) {
	_, h, _, rec := negotiationFixture(t, AttachOpts{})

	offer, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)

	answer := &JSEP{Type: "answer", SDP: "v=0\r\ns=remote-answer\r\n"}
	require.NoError(t, h.SetRemoteDescription(context.Background(), answer))

	assert.Equal(t, offer, h.LocalDescription(), "local offer survives")
	assert.Equal(t, answer, h.RemoteDescription())
	assert.Equal(t, 0, rec.last().answerCount())
}

// TestHandleEventAppliesDescriptorBeforeCallback проверяет порядок:
// удаленный дескриптор применен до доставки события приложению
func TestHandleEventAppliesDescriptorBeforeCallback(t *testing.T) {
	var remoteAtCallback *JSEP
	s, h, _, _ := negotiationFixture(t, AttachOpts{
		Callbacks: HandleCallbacks{
			OnEvent: func(event json.RawMessage, jsep *JSEP) {
				remoteAtCallback = jsep
			},
		},
	})

	offer := &JSEP{Type: "offer", SDP: "v=0\r\ns=ordered\r\n"}
	s.handleMessage(&ServerMessage{
		Janus:      KindEvent,
		Sender:     401,
		PluginData: &PluginData{Plugin: "janus.plugin.test", Data: json.RawMessage(`{"status":"ready"}`)},
		JSEP:       offer,
	})

	assert.Equal(t, offer, remoteAtCallback)
	assert.Equal(t, offer, h.RemoteDescription())
}

// TestEventWithoutPluginDataAppliesDescriptorOnly проверяет кадр события
// без данных плагина: прилагаемый дескриптор применяется, но приложение
// события не получает
func TestEventWithoutPluginDataAppliesDescriptorOnly(t *testing.T) {
	var events int
	s, h, _, _ := negotiationFixture(t, AttachOpts{
		Callbacks: HandleCallbacks{
			OnEvent: func(event json.RawMessage, jsep *JSEP) { events++ },
		},
	})

	offer := &JSEP{Type: "offer", SDP: "v=0\r\ns=bare\r\n"}
	s.handleMessage(&ServerMessage{Janus: KindEvent, Sender: 401, JSEP: offer})

	assert.Equal(t, 0, events, "frame without plugin data must not reach the application")
	assert.Equal(t, offer, h.RemoteDescription(), "descriptor still applies")
}

// TestSendMessageAttachesUnsentLocalDescriptor проверяет автоматическое
// приложение созданного дескриптора и фиксацию отправки только после
// подтверждения шлюза
func TestSendMessageAttachesUnsentLocalDescriptor(t *testing.T) {
	s, h, ft, _ := negotiationFixture(t, AttachOpts{})

	offer, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)

	// первый запрос падает на транспорте: дескриптор остается неотправленным
	ft.sendErr = ErrConnectionLost("flaky link", nil)
	_, err = h.SendMessage(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, NegotiationCreated, h.NegotiationState(), "failed delivery must not mark as sent")

	ft.sendErr = nil
	ackAll(s, ft)

	msg, err := h.SendMessage(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, KindAck, msg.Janus)
	assert.Equal(t, NegotiationSent, h.NegotiationState())

	sent := ft.sent()
	last := sent[len(sent)-1]
	assert.Equal(t, KindMessage, last.Janus)
	assert.Equal(t, uint64(401), last.HandleID)
	assert.Equal(t, offer, last.JSEP, "unsent local descriptor attaches itself")
	require.NotNil(t, last.Body, "nil body becomes an empty object")

	// после подтверждения дескриптор больше не прилагается
	_, err = h.SendMessage(context.Background(), map[string]any{"request": "list"}, nil)
	require.NoError(t, err)
	sent = ft.sent()
	assert.Nil(t, sent[len(sent)-1].JSEP)
}

// TestSendMessageMarksSuppliedDescriptorAsSent проверяет фиксацию
// отправки, когда приложение прилагает локальный дескриптор явно
func TestSendMessageMarksSuppliedDescriptorAsSent(t *testing.T) {
	s, h, ft, _ := negotiationFixture(t, AttachOpts{})
	ackAll(s, ft)

	offer, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)

	_, err = h.SendMessage(context.Background(), map[string]any{"request": "call"}, offer)
	require.NoError(t, err)
	assert.Equal(t, NegotiationSent, h.NegotiationState())
}

// TestTrickleWireForms проверяет формы кадра trickle: кандидат и признак
// завершения сбора вместо nil
func TestTrickleWireForms(t *testing.T) {
	s, h, ft, _ := negotiationFixture(t, AttachOpts{})
	ackAll(s, ft)

	candidate := &Candidate{Candidate: "candidate:1 1 UDP 2122252543 192.0.2.1 54321 typ host", SDPMid: "0"}
	require.NoError(t, h.Trickle(context.Background(), candidate))
	require.NoError(t, h.Trickle(context.Background(), nil))

	sent := ft.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, KindTrickle, sent[0].Janus)
	require.NotNil(t, sent[0].Candidate)
	assert.False(t, sent[0].Candidate.Completed)
	assert.Contains(t, sent[0].Candidate.Candidate, "typ host")

	require.NotNil(t, sent[1].Candidate)
	assert.True(t, sent[1].Candidate.Completed, "nil candidate becomes completion marker")
}

// TestLocalCandidateRelayRespectsTricklePolicy проверяет политику
// инкрементальной передачи: найденные движком кандидаты уходят шлюзу
// только при включенном trickle
func TestLocalCandidateRelayRespectsTricklePolicy(t *testing.T) {
	s, h, ft, rec := negotiationFixture(t, AttachOpts{})
	ackAll(s, ft)

	_, err := h.CreateOffer(context.Background(), MediaOptions{Trickle: Bool(false)})
	require.NoError(t, err)

	engine := rec.last()
	engine.events.OnLocalCandidate(Candidate{Candidate: "candidate:silent"})
	engine.events.OnGatheringComplete()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ft.sent(), "disabled trickle keeps candidates local")
}

// TestLocalCandidateRelayDeliversWhenEnabled проверяет доставку
// кандидатов и признака завершения при включенном trickle
func TestLocalCandidateRelayDeliversWhenEnabled(t *testing.T) {
	s, h, ft, rec := negotiationFixture(t, AttachOpts{})
	ackAll(s, ft)

	_, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)

	engine := rec.last()
	engine.events.OnLocalCandidate(Candidate{Candidate: "candidate:42", SDPMid: "0"})
	engine.events.OnGatheringComplete()

	require.Eventually(t, func() bool {
		return len(ft.sent()) == 2
	}, 2*time.Second, 10*time.Millisecond, "candidate and completion must reach the gateway")

	kinds := ft.sentKinds()
	assert.Equal(t, []MessageKind{KindTrickle, KindTrickle}, kinds)

	completed := 0
	for _, r := range ft.sent() {
		require.NotNil(t, r.Candidate)
		if r.Candidate.Completed {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

// TestHandleTrickleQueuesEarlyCandidates проверяет очередь ранних
// кандидатов: пришедшие до удаленного дескриптора применяются вдогонку
// после него, последующие применяются сразу
func TestHandleTrickleQueuesEarlyCandidates(t *testing.T) {
	_, h, _, rec := negotiationFixture(t, AttachOpts{})

	early := Candidate{Candidate: "candidate:early", SDPMid: "0"}
	h.handleTrickle(&ServerMessage{Janus: KindTrickle, Sender: 401, Candidate: &early})
	assert.Equal(t, 0, rec.count(), "queueing must not create the engine")

	offer := &JSEP{Type: "offer", SDP: "v=0\r\ns=with-early\r\n"}
	require.NoError(t, h.SetRemoteDescription(context.Background(), offer))

	engine := rec.last()
	require.NotNil(t, engine)
	got := engine.remoteCandidates()
	require.Len(t, got, 1, "queued candidate flushes after the descriptor")
	assert.Equal(t, "candidate:early", got[0].Candidate)

	late := Candidate{Candidate: "candidate:late", SDPMid: "0"}
	h.handleTrickle(&ServerMessage{Janus: KindTrickle, Sender: 401, Candidate: &late})
	assert.Len(t, engine.remoteCandidates(), 2)

	// кадр без кандидата молча игнорируется
	h.handleTrickle(&ServerMessage{Janus: KindTrickle, Sender: 401})
	assert.Len(t, engine.remoteCandidates(), 2)
}

// TestHangupResetsNegotiationKeepsAttachment проверяет локальный сброс
// медиа: движок закрыт, дескрипторы забыты, обработчик остается
// подключенным и готов к новому согласованию
func TestHangupResetsNegotiationKeepsAttachment(t *testing.T) {
	s, h, ft, rec := negotiationFixture(t, AttachOpts{})

	_, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)
	first := rec.last()

	require.NoError(t, h.Hangup(context.Background(), false))

	assert.Equal(t, 1, first.closeCount(), "engine must be closed")
	assert.Nil(t, h.LocalDescription())
	assert.Nil(t, h.RemoteDescription())
	assert.Equal(t, NegotiationNone, h.NegotiationState())
	assert.False(t, h.Detached(), "hangup keeps the plugin attachment")
	assert.Empty(t, ft.sent(), "local hangup must not notify the gateway")

	_, ok := s.Handle(401)
	assert.True(t, ok, "handle stays registered")

	// новое согласование создает новый движок
	_, err = h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count())
}

// TestHangupNotifiesGatewayOnRequest проверяет уведомление шлюза кадром
// hangup при соответствующем флаге
func TestHangupNotifiesGatewayOnRequest(t *testing.T) {
	s, h, ft, _ := negotiationFixture(t, AttachOpts{})
	ackAll(s, ft)

	_, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Hangup(context.Background(), true))

	sent := ft.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, KindHangup, sent[0].Janus)
	assert.Equal(t, uint64(401), sent[0].HandleID)
}

// TestDetachReleasesResourcesUnconditionally проверяет безусловное
// освобождение: даже если уведомление шлюза не удалось, обработчик
// отключен, движок закрыт и запись в сессии удалена
func TestDetachReleasesResourcesUnconditionally(t *testing.T) {
	s, h, ft, rec := negotiationFixture(t, AttachOpts{})

	_, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)

	ft.sendErr = ErrConnectionLost("gateway unreachable", nil)
	err = h.Detach(context.Background())
	require.Error(t, err, "network failure propagates")

	assert.True(t, h.Detached())
	assert.Equal(t, 1, rec.last().closeCount())
	assert.Nil(t, h.LocalDescription())
	_, ok := s.Handle(401)
	assert.False(t, ok, "session record removed despite the failure")

	// повторное отключение завершается сразу, успешно и без сети:
	// транспорт по-прежнему отвечает ошибкой, но запроса нет
	framesBefore := len(ft.sent())
	require.NoError(t, h.Detach(context.Background()))
	assert.Len(t, ft.sent(), framesBefore, "repeat detach must not touch the network")
	assert.Equal(t, 1, rec.last().closeCount(), "nothing left to release")
}

// TestAttachDetachAttachLeavesNoResidue проверяет полный цикл через
// публичный API: повторное подключение после отключения не оставляет
// следов предыдущего обработчика
func TestAttachDetachAttachLeavesNoResidue(t *testing.T) {
	rec := &engineRecorder{}
	cfg := testConfig()
	cfg.Engine = rec.factory()
	ft := newFakeTransport()
	s := newConnectedSession(t, cfg, ft)

	var next uint64 = 500
	ft.respondWith(s, func(r *Request) *ServerMessage {
		switch r.Janus {
		case KindAttach:
			next++
			return &ServerMessage{
				Janus:       KindSuccess,
				Transaction: r.Transaction,
				Data:        &SuccessData{ID: next},
			}
		default:
			return &ServerMessage{Janus: KindSuccess, Transaction: r.Transaction}
		}
	})

	first, err := s.Attach(context.Background(), "janus.plugin.echotest", AttachOpts{})
	require.NoError(t, err)
	_, err = first.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)

	require.NoError(t, first.Detach(context.Background()))
	assert.Empty(t, s.Handles())
	assert.Equal(t, 1, rec.last().closeCount())

	second, err := s.Attach(context.Background(), "janus.plugin.echotest", AttachOpts{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Len(t, s.Handles(), 1)

	// отключенный обработчик больше не принимает операции
	_, err = first.SendMessage(context.Background(), nil, nil)
	require.Error(t, err)
}

// TestSendDataLifecycle проверяет канал данных: до согласования операции
// нет, после создания движка данные уходят в него, после отключения
// операция отвергается
func TestSendDataLifecycle(t *testing.T) {
	_, h, _, rec := negotiationFixture(t, AttachOpts{})

	err := h.SendData("chat", []byte("hello"))
	require.Error(t, err)
	var serr *SignalError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "NO_MEDIA_SESSION", serr.Code)

	_, err = h.CreateOffer(context.Background(), MediaOptions{Data: Bool(true)})
	require.NoError(t, err)
	require.NoError(t, h.SendData("chat", []byte("hello")))

	assert.Equal(t, 1, rec.last().dataCount())

	h.releaseLocal("test teardown")
	err = h.SendData("chat", []byte("late"))
	require.Error(t, err)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "HANDLE_DETACHED", serr.Code)
}

// TestReleaseLocalIdempotent проверяет, что повторное освобождение
// ничего не делает: движок закрывается один раз, уведомление одно
func TestReleaseLocalIdempotent(t *testing.T) {
	var detached int
	_, h, _, rec := negotiationFixture(t, AttachOpts{Callbacks: HandleCallbacks{
		OnDetached: func() { detached++ },
	}})

	_, err := h.CreateOffer(context.Background(), MediaOptions{})
	require.NoError(t, err)

	h.releaseLocal("first")
	h.releaseLocal("second")

	assert.Equal(t, 1, detached)
	assert.Equal(t, 1, rec.last().closeCount())
	assert.Equal(t, NegotiationNone, h.NegotiationState())
}
