package janus

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imroc/req/v3"
)

// RestTransport транспорт поверх HTTP: запросы отправляются отдельными
// POST, события доставляются длинным опросом GET.
//
// Опрос держит не более одного запроса одновременно и пересоздается через
// паузу PollInterval после каждого ответа. Подряд идущие неудачи опроса
// считаются до лимита MaxPollRetries, следующая неудача объявляется
// потерей соединения ровно один раз. Счетчик сбрасывается только успешным
// опросом.
type RestTransport struct {
	base   string
	cfg    *Config
	client *req.Client
	hooks  transportHooks

	sessionID atomic.Uint64
	connected atomic.Bool
	closing   atomic.Bool
	lostOnce  sync.Once

	// ctx обрывает текущий опрос при закрытии
	ctx    context.Context
	cancel context.CancelFunc

	metrics *MetricsCollector
	logger  *slog.Logger
}

// newRestTransport создает транспорт длинного опроса для данного адреса
func newRestTransport(server string, cfg *Config, hooks transportHooks, metrics *MetricsCollector, logger *slog.Logger) *RestTransport {
	ctx, cancel := context.WithCancel(context.Background())

	client := req.C().
		SetTimeout(cfg.PollTimeout + 10*time.Second)

	return &RestTransport{
		base:    trimBaseURL(server),
		cfg:     cfg,
		client:  client,
		hooks:   hooks,
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics,
		logger:  logger.With("transport", "rest", "server", server),
	}
}

// decorate добавляет аутентификацию шлюза к запросу
func (t *RestTransport) decorate(r *Request) {
	if r.APISecret == "" {
		r.APISecret = t.cfg.APISecret
	}
	if r.Token == "" {
		r.Token = t.cfg.Token
	}
}

// sessionURL строит адрес для адресации на уровне сессии и обработчика
func (t *RestTransport) sessionURL(sessionID, handleID uint64) string {
	u := t.base + "/" + strconv.FormatUint(sessionID, 10)
	if handleID != 0 {
		u += "/" + strconv.FormatUint(handleID, 10)
	}
	return u
}

// post отправляет один кадр и возвращает разобранные кадры ответа
func (t *RestTransport) post(ctx context.Context, url string, r *Request) ([]*ServerMessage, *SignalError) {
	t.decorate(r)

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(r).
		Post(url)
	if err != nil {
		return nil, ErrGatewayUnreachable(t.base, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrGatewayRejected(resp.StatusCode, http.StatusText(resp.StatusCode)).
			WithField("http_status", resp.StatusCode)
	}

	frames, perr := parseServerMessages(resp.Bytes())
	if perr != nil {
		return nil, ErrMalformedFrame(perr)
	}
	return frames, nil
}

// Open создает сессию на шлюзе и запускает цикл опроса
func (t *RestTransport) Open(ctx context.Context) (uint64, error) {
	create := &Request{
		Janus:       KindCreate,
		Transaction: newTransactionID(),
	}

	octx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	frames, serr := t.post(octx, t.base, create)
	if serr != nil {
		return 0, serr
	}
	if len(frames) == 0 {
		return 0, ErrMalformedFrame(nil).WithField("reason", "empty create response")
	}

	msg := frames[0]
	switch {
	case msg.Janus == KindError && msg.Error != nil:
		return 0, ErrGatewayRejected(msg.Error.Code, msg.Error.Reason)
	case msg.Janus != KindSuccess || msg.Data == nil || msg.Data.ID == 0:
		return 0, ErrMalformedFrame(nil).WithField("frame", string(msg.Raw))
	}

	t.sessionID.Store(msg.Data.ID)
	t.connected.Store(true)

	go t.pollLoop()

	t.logger.Debug("session created over rest transport", "session_id", msg.Data.ID)
	return msg.Data.ID, nil
}

// Send доставляет запрос шлюзу отдельным POST.
// Кадры из тела ответа проходят через общий dispatch наравне с кадрами опроса.
func (t *RestTransport) Send(ctx context.Context, r *Request) error {
	if !t.connected.Load() {
		return ErrSessionNotConnected("send")
	}

	// Адресация на этом транспорте живет в пути запроса, не в теле
	body := *r
	url := t.base
	if body.SessionID != 0 {
		url = t.sessionURL(body.SessionID, body.HandleID)
	}
	body.SessionID, body.HandleID = 0, 0

	frames, serr := t.post(ctx, url, &body)
	if serr != nil {
		return serr
	}

	for _, frame := range frames {
		t.hooks.dispatch(frame)
	}
	return nil
}

// Info запрашивает сведения о шлюзе
func (t *RestTransport) Info(ctx context.Context) (*ServerInfo, error) {
	rq := t.client.R().SetContext(ctx)
	if t.cfg.APISecret != "" {
		rq.SetQueryParam("apisecret", t.cfg.APISecret)
	}
	if t.cfg.Token != "" {
		rq.SetQueryParam("token", t.cfg.Token)
	}

	resp, err := rq.Get(t.base + "/info")
	if err != nil {
		return nil, ErrGatewayUnreachable(t.base, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrGatewayRejected(resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	msg, perr := parseServerMessage(resp.Bytes())
	if perr != nil {
		return nil, ErrMalformedFrame(perr)
	}
	if msg.Janus == KindError && msg.Error != nil {
		return nil, ErrGatewayRejected(msg.Error.Code, msg.Error.Reason)
	}

	info, derr := decodeServerInfo(msg)
	if derr != nil {
		return nil, ErrMalformedFrame(derr)
	}
	return info, nil
}

// pollLoop держит длинный опрос, пока транспорт подключен.
//
// Исход каждой попытки: успех сбрасывает счетчик неудач, неудача
// увеличивает счетчик, превышение лимита объявляет потерю соединения.
// Пауза перед следующим опросом одна и та же после успеха и после
// неудачи.
func (t *RestTransport) pollLoop() {
	retries := 0

	for t.connected.Load() {
		ok, fatal := t.pollOnce()
		if fatal != nil {
			t.lose(fatal)
			return
		}
		if ok {
			retries = 0
		} else {
			retries++
			if retries > t.cfg.MaxPollRetries {
				t.lose(ErrConnectionLost("poll retry budget exhausted", nil).
					WithField("attempts", retries).
					WithSession(t.sessionID.Load()))
				return
			}
		}

		select {
		case <-time.After(t.cfg.PollInterval):
		case <-t.ctx.Done():
			return
		}
	}
}

// pollOnce выполняет одну попытку длинного опроса.
// Возвращает признак успеха и фатальную ошибку, если сессия мертва на шлюзе.
func (t *RestTransport) pollOnce() (bool, *SignalError) {
	pctx, cancel := context.WithTimeout(t.ctx, t.cfg.PollTimeout)
	defer cancel()

	rq := t.client.R().
		SetContext(pctx).
		SetQueryParam("maxev", "1").
		SetQueryParam("rid", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if t.cfg.APISecret != "" {
		rq.SetQueryParam("apisecret", t.cfg.APISecret)
	}
	if t.cfg.Token != "" {
		rq.SetQueryParam("token", t.cfg.Token)
	}

	resp, err := rq.Get(t.sessionURL(t.sessionID.Load(), 0))
	if err != nil {
		if t.closing.Load() {
			return false, nil
		}
		t.metrics.PollCompleted(false)
		t.logger.Debug("long poll failed", "error", err)
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		t.metrics.PollCompleted(false)
		t.logger.Debug("long poll rejected", "http_status", resp.StatusCode)
		return false, nil
	}

	frames, perr := parseServerMessages(resp.Bytes())
	if perr != nil {
		t.metrics.PollCompleted(false)
		t.logger.Warn("long poll returned malformed payload", "error", perr)
		return false, nil
	}

	t.metrics.PollCompleted(true)

	for _, frame := range frames {
		// Шлюз сообщает об уничтоженной сессии кадром error на сам опрос.
		// Это не временный сбой, бюджет повторов не применяется.
		if frame.Janus == KindError && frame.Error != nil && frame.Error.Code == GatewayErrSessionNotFound {
			return false, ErrConnectionLost("session no longer exists on gateway", frame.Error).
				WithSession(t.sessionID.Load())
		}
		t.hooks.dispatch(frame)
	}
	return true, nil
}

// lose объявляет потерю соединения ровно один раз
func (t *RestTransport) lose(err *SignalError) {
	t.lostOnce.Do(func() {
		if t.closing.Load() {
			return
		}
		t.connected.Store(false)
		t.metrics.ConnectionLost(err)
		t.hooks.onLost(err)
	})
}

// Close уничтожает сессию на шлюзе (best effort) и останавливает опрос.
// Если соединение уже потеряно, ограничивается остановкой горутин.
func (t *RestTransport) Close(ctx context.Context) error {
	if t.closing.Swap(true) {
		return nil
	}

	alive := t.connected.Swap(false)
	t.cancel()

	sid := t.sessionID.Swap(0)
	if sid == 0 || !alive {
		return nil
	}

	destroy := &Request{
		Janus:       KindDestroy,
		Transaction: newTransactionID(),
	}

	dctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	if _, serr := t.post(dctx, t.sessionURL(sid, 0), destroy); serr != nil {
		t.logger.Debug("destroy request failed on close", "error", serr)
		return serr
	}
	return nil
}

// Connected сообщает, живо ли соединение
func (t *RestTransport) Connected() bool {
	return t.connected.Load()
}
