package janus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Общие заглушки тестов пакета: управляемый транспорт, управляемый
// медиадвижок и сборка сессии в нужном состоянии без сети.

// quietLogger возвращает логгер, не засоряющий вывод тестов
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig возвращает конфигурацию для тестов без метрик и с тихим логом
func testConfig() *Config {
	cfg := DefaultConfig("http://127.0.0.1:8088/janus")
	cfg.Logger = quietLogger()
	cfg.Metrics = &MetricsConfig{Enabled: false}
	return cfg
}

// fakeTransport управляемый транспорт для тестов сессии и обработчиков
type fakeTransport struct {
	mu        sync.Mutex
	requests  []*Request
	onSend    func(*Request)
	sendErr   *SignalError
	openID    uint64
	openErr   *SignalError
	closeErr  *SignalError
	closes    int
	connected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{openID: 7001, connected: true}
}

func (f *fakeTransport) Open(_ context.Context) (uint64, error) {
	if f.openErr != nil {
		return 0, f.openErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return f.openID, nil
}

func (f *fakeTransport) Send(_ context.Context, r *Request) error {
	copied := *r
	f.mu.Lock()
	f.requests = append(f.requests, &copied)
	onSend := f.onSend
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if onSend != nil {
		onSend(&copied)
	}
	return nil
}

func (f *fakeTransport) Info(_ context.Context) (*ServerInfo, error) {
	return &ServerInfo{Name: "Fake Gateway", Version: 1}, nil
}

func (f *fakeTransport) Close(_ context.Context) error {
	f.mu.Lock()
	f.closes++
	f.connected = false
	err := f.closeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// sent возвращает снимок отправленных запросов
func (f *fakeTransport) sent() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// sentKinds возвращает виды отправленных запросов по порядку
func (f *fakeTransport) sentKinds() []MessageKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MessageKind, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Janus)
	}
	return out
}

// closeCount возвращает число вызовов Close
func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// respondWith настраивает автоматический ответ на каждый запрос.
// Ответ доставляется синхронно через диспетчер сессии, как это делает
// транспорт длинного опроса.
func (f *fakeTransport) respondWith(s *Session, build func(*Request) *ServerMessage) {
	f.mu.Lock()
	f.onSend = func(r *Request) {
		if msg := build(r); msg != nil {
			s.handleMessage(msg)
		}
	}
	f.mu.Unlock()
}

// newConnectedSession собирает сессию с фиктивным транспортом в состоянии
// connected, минуя сетевое установление
func newConnectedSession(t *testing.T, cfg *Config, ft *fakeTransport) *Session {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)

	s.mutex.Lock()
	s.transport = ft
	s.sessionID = ft.openID
	s.lifecycle.SetState("connected")
	s.mutex.Unlock()
	return s
}

// attachTestHandle регистрирует обработчик в сессии напрямую, без сети
func attachTestHandle(s *Session, id uint64, opts AttachOpts) *Handle {
	h := newHandle(s, id, "janus.plugin.test", opts)
	s.mutex.Lock()
	s.handles[id] = h
	s.mutex.Unlock()
	return h
}

// fakeEngine управляемый медиадвижок с записью всех вызовов
type fakeEngine struct {
	mu         sync.Mutex
	events     EngineEvents
	offerCalls []MediaOptions
	answerOpts []MediaOptions
	localCalls []*JSEP
	remote     *JSEP
	candidates []Candidate
	sentData   [][]byte
	closes     int

	offerJSEP  *JSEP
	answerJSEP *JSEP
	offerErr   error
	answerErr  error
	localErr   error
	remoteErr  error
}

func (e *fakeEngine) CreateOffer(_ context.Context, opts MediaOptions) (*JSEP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offerCalls = append(e.offerCalls, opts)
	if e.offerErr != nil {
		return nil, e.offerErr
	}
	return e.offerJSEP, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, opts MediaOptions) (*JSEP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answerOpts = append(e.answerOpts, opts)
	if e.answerErr != nil {
		return nil, e.answerErr
	}
	return e.answerJSEP, nil
}

func (e *fakeEngine) SetLocalDescription(_ context.Context, jsep *JSEP) (*JSEP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localCalls = append(e.localCalls, jsep)
	if e.localErr != nil {
		return nil, e.localErr
	}
	return jsep, nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, jsep *JSEP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.remote = jsep
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(candidate Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, candidate)
	return nil
}

func (e *fakeEngine) SendData(_ string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sentData = append(e.sentData, payload)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *fakeEngine) remoteDescription() *JSEP {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *fakeEngine) answerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.answerOpts)
}

// adoptCount возвращает число принятых через SetLocalDescription дескрипторов
func (e *fakeEngine) adoptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.localCalls)
}

func (e *fakeEngine) offerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.offerCalls)
}

func (e *fakeEngine) dataCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sentData)
}

func (e *fakeEngine) remoteCandidates() []Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Candidate, len(e.candidates))
	copy(out, e.candidates)
	return out
}

// engineRecorder фабрика управляемых движков с учетом созданных экземпляров
type engineRecorder struct {
	mu         sync.Mutex
	engines    []*fakeEngine
	factoryErr error
}

// factory возвращает EngineFactory, создающую управляемые движки
func (r *engineRecorder) factory() EngineFactory {
	return func(_ EngineConfig, events EngineEvents) (MediaEngine, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.factoryErr != nil {
			return nil, r.factoryErr
		}
		fe := &fakeEngine{
			events:     events,
			offerJSEP:  &JSEP{Type: "offer", SDP: "v=0\r\ns=test-offer\r\n"},
			answerJSEP: &JSEP{Type: "answer", SDP: "v=0\r\ns=test-answer\r\n"},
		}
		r.engines = append(r.engines, fe)
		return fe, nil
	}
}

// count возвращает число созданных движков
func (r *engineRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// last возвращает последний созданный движок
func (r *engineRecorder) last() *fakeEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.engines) == 0 {
		return nil
	}
	return r.engines[len(r.engines)-1]
}
