// Package media_webrtc реализует медиадвижок сигнального клиента на pion.
//
// Пакет закрывает способность MediaEngine из pkg/janus: создание и прием
// SDP дескрипторов, инкрементальную передачу кандидатов и каналы данных.
// Сигнальное ядро не зависит от pion и получает движок через Factory.
package media_webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/arzzra/janus_client/pkg/janus"
)

// Factory возвращает фабрику движков для конфигурации сессии.
//
// Каждый обработчик плагина получает собственный движок с собственным
// медиасоединением. Фабрика безопасна для конкурентного использования.
func Factory(cfg *Config) janus.EngineFactory {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()

	return func(ec janus.EngineConfig, events janus.EngineEvents) (janus.MediaEngine, error) {
		return newEngine(cfg, ec, events)
	}
}

// Engine медиадвижок одного обработчика плагина.
//
// Оборачивает webrtc.PeerConnection и транслирует его события в переносимые
// EngineEvents. Живет от первой операции согласования до Hangup или Detach
// обработчика.
type Engine struct {
	pc     *webrtc.PeerConnection
	events janus.EngineEvents
	cfg    *Config
	logger *slog.Logger

	mutex    sync.Mutex
	channels map[string]*dataChannel
	senders  map[webrtc.RTPCodecType]bool
	composed bool
	closed   bool

	closeOnce sync.Once
}

// newEngine создает движок и подключает обратные вызовы pion
func newEngine(cfg *Config, ec janus.EngineConfig, events janus.EngineEvents) (*Engine, error) {
	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         mapICEServers(ec.ICEServers),
		ICETransportPolicy: mapICEPolicy(ec.ICETransportPolicy),
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	e := &Engine{
		pc:       pc,
		events:   events,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "media_webrtc"),
		channels: make(map[string]*dataChannel),
		senders:  make(map[webrtc.RTPCodecType]bool),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if e.isClosed() {
			return
		}
		if candidate == nil {
			// pion сигнализирует завершение сбора нулевым кандидатом
			if cb := e.events.OnGatheringComplete; cb != nil {
				cb()
			}
			return
		}
		if cb := e.events.OnLocalCandidate; cb != nil {
			cb(toSignalCandidate(candidate.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if e.isClosed() {
			return
		}
		e.logger.Debug("peer connection state changed", "state", state.String())
		if cb := e.events.OnConnectionStateChange; cb != nil {
			cb(state.String())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if e.isClosed() {
			return
		}
		e.logger.Debug("remote track arrived",
			"kind", track.Kind().String(), "track_id", track.ID(), "stream_id", track.StreamID())
		if cb := e.events.OnRemoteStream; cb != nil {
			cb(janus.StreamInfo{Kind: track.Kind().String(), ID: track.ID()})
		}
		go e.consumeTrack(track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.mutex.Lock()
		if e.closed {
			e.mutex.Unlock()
			return
		}
		ch := e.bindDataChannelLocked(dc)
		e.mutex.Unlock()
		e.logger.Debug("remote data channel arrived", "label", ch.label())
	})

	return e, nil
}

// isClosed сообщает, освобожден ли движок
func (e *Engine) isClosed() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closed
}

// CreateOffer строит черновик локального предложения.
//
// Для каждого включенного вида медиа добавляется m-секция с направлением
// по разрешенным флагам. Состав собирается один раз: повторный вызов строит
// новый дескриптор по уже добавленным секциям. Черновик не применяется,
// его принимает SetLocalDescription.
func (e *Engine) CreateOffer(_ context.Context, opts janus.MediaOptions) (*janus.JSEP, error) {
	if e.isClosed() {
		return nil, fmt.Errorf("engine is closed")
	}
	if err := e.composeOffer(opts); err != nil {
		return nil, err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return &janus.JSEP{
		Type:    offer.Type.String(),
		SDP:     offer.SDP,
		Trickle: janus.Bool(opts.TrickleEnabled()),
	}, nil
}

// composeOffer добавляет m-секции и канал данных при первом вызове
func (e *Engine) composeOffer(opts janus.MediaOptions) error {
	e.mutex.Lock()
	if e.composed {
		e.mutex.Unlock()
		return nil
	}
	e.composed = true
	e.mutex.Unlock()

	if dir, ok := offerDirection(opts.SendAudio(), opts.RecvAudio()); ok {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: dir}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if dir, ok := offerDirection(opts.SendVideo(), opts.RecvVideo()); ok {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: dir}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	if opts.UseData() {
		if err := e.ensureDataChannel(e.cfg.DataChannelLabel); err != nil {
			return err
		}
	}
	return nil
}

// CreateAnswer строит черновик локального ответа на примененное удаленное
// предложение.
//
// Состав ответа ограничен тем, что предложил шлюз: треки добавляются только
// в существующие m-секции, которые готовы их принимать. Черновик не
// применяется, его принимает SetLocalDescription.
func (e *Engine) CreateAnswer(_ context.Context, opts janus.MediaOptions) (*janus.JSEP, error) {
	if e.isClosed() {
		return nil, fmt.Errorf("engine is closed")
	}
	remote := e.pc.RemoteDescription()
	if remote == nil {
		return nil, fmt.Errorf("no remote description")
	}

	offered, err := inspectSDP(remote.SDP)
	if err != nil {
		return nil, fmt.Errorf("inspect remote offer: %w", err)
	}

	if opts.SendAudio() && offered.AudioAccepts {
		if err := e.attachSendTrack(webrtc.RTPCodecTypeAudio); err != nil {
			return nil, err
		}
	}
	if opts.SendVideo() && offered.VideoAccepts {
		if err := e.attachSendTrack(webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}
	// Канал данных открывает сторона предложения, ответу достаточно
	// дождаться OnDataChannel

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return &janus.JSEP{
		Type:    answer.Type.String(),
		SDP:     answer.SDP,
		Trickle: janus.Bool(opts.TrickleEnabled()),
	}, nil
}

// SetLocalDescription принимает дескриптор как локальный.
// Без инкрементальной передачи ожидает завершения сбора кандидатов
// и возвращает итоговый SDP со всеми кандидатами внутри.
func (e *Engine) SetLocalDescription(ctx context.Context, jsep *janus.JSEP) (*janus.JSEP, error) {
	if e.isClosed() {
		return nil, fmt.Errorf("engine is closed")
	}
	if jsep == nil {
		return nil, fmt.Errorf("nil descriptor")
	}

	sdpType := webrtc.SDPTypeOffer
	if jsep.IsAnswer() {
		sdpType = webrtc.SDPTypeAnswer
	}
	desc := webrtc.SessionDescription{Type: sdpType, SDP: jsep.SDP}

	if jsep.Trickle == nil || *jsep.Trickle {
		if err := e.pc.SetLocalDescription(desc); err != nil {
			return nil, fmt.Errorf("set local description: %w", err)
		}
		return &janus.JSEP{
			Type:    desc.Type.String(),
			SDP:     desc.SDP,
			Trickle: janus.Bool(true),
		}, nil
	}

	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	final := e.pc.LocalDescription()
	if final == nil {
		return nil, fmt.Errorf("local description lost during gathering")
	}
	return &janus.JSEP{
		Type:    final.Type.String(),
		SDP:     final.SDP,
		Trickle: janus.Bool(false),
	}, nil
}

// SetRemoteDescription применяет удаленный дескриптор
func (e *Engine) SetRemoteDescription(_ context.Context, jsep *janus.JSEP) error {
	if e.isClosed() {
		return fmt.Errorf("engine is closed")
	}
	if jsep == nil {
		return fmt.Errorf("nil descriptor")
	}

	sdpType := webrtc.SDPTypeAnswer
	if jsep.IsOffer() {
		sdpType = webrtc.SDPTypeOffer
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  jsep.SDP,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddRemoteCandidate применяет удаленного ICE кандидата.
// Признак завершения передается pion пустой строкой кандидата.
func (e *Engine) AddRemoteCandidate(candidate janus.Candidate) error {
	if e.isClosed() {
		return fmt.Errorf("engine is closed")
	}
	return e.pc.AddICECandidate(fromSignalCandidate(candidate))
}

// SendData отправляет сообщение по каналу данных.
//
// Пустая метка означает канал по умолчанию. Канал создается по требованию,
// сообщения до его открытия накапливаются и доставляются после.
func (e *Engine) SendData(label string, payload []byte) error {
	if label == "" {
		label = e.cfg.DataChannelLabel
	}

	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return fmt.Errorf("engine is closed")
	}
	ch, ok := e.channels[label]
	if !ok {
		dc, err := e.pc.CreateDataChannel(label, dataChannelInit())
		if err != nil {
			e.mutex.Unlock()
			return fmt.Errorf("create data channel: %w", err)
		}
		ch = e.bindDataChannelLocked(dc)
	}
	e.mutex.Unlock()

	return ch.send(payload)
}

// ensureDataChannel создает канал данных, если его еще нет
func (e *Engine) ensureDataChannel(label string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if _, ok := e.channels[label]; ok {
		return nil
	}
	dc, err := e.pc.CreateDataChannel(label, dataChannelInit())
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	e.bindDataChannelLocked(dc)
	return nil
}

// attachSendTrack добавляет исходящий трек указанного вида, переиспользуя
// транссивер из удаленного предложения
func (e *Engine) attachSendTrack(kind webrtc.RTPCodecType) error {
	e.mutex.Lock()
	if e.senders[kind] {
		e.mutex.Unlock()
		return nil
	}
	e.senders[kind] = true
	e.mutex.Unlock()

	track, err := newSendTrack(kind)
	if err != nil {
		return fmt.Errorf("create %s track: %w", kind.String(), err)
	}
	if _, err := e.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add %s track: %w", kind.String(), err)
	}
	return nil
}

// Close освобождает соединение и все связанные ресурсы. Идемпотентен.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mutex.Lock()
		e.closed = true
		e.channels = make(map[string]*dataChannel)
		e.mutex.Unlock()

		err = e.pc.Close()
		e.logger.Debug("media engine closed")
	})
	return err
}

// offerDirection вычисляет направление m-секции предложения.
// Возвращает false, если секция не нужна вовсе.
func offerDirection(send, recv bool) (webrtc.RTPTransceiverDirection, bool) {
	switch {
	case send && recv:
		return webrtc.RTPTransceiverDirectionSendrecv, true
	case send:
		return webrtc.RTPTransceiverDirectionSendonly, true
	case recv:
		return webrtc.RTPTransceiverDirectionRecvonly, true
	default:
		return webrtc.RTPTransceiverDirectionInactive, false
	}
}

// mapICEServers переводит переносимое описание серверов в типы pion
func mapICEServers(servers []janus.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

// mapICEPolicy переводит политику сбора кандидатов в тип pion
func mapICEPolicy(policy string) webrtc.ICETransportPolicy {
	if policy == "relay" {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

// toSignalCandidate переводит кандидата pion в переносимую форму
func toSignalCandidate(init webrtc.ICECandidateInit) janus.Candidate {
	out := janus.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		out.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		out.SDPMLineIndex = *init.SDPMLineIndex
	}
	return out
}

// fromSignalCandidate переводит кандидата шлюза в форму pion
func fromSignalCandidate(c janus.Candidate) webrtc.ICECandidateInit {
	if c.Completed {
		// Пустая строка кандидата означает конец сбора
		return webrtc.ICECandidateInit{Candidate: ""}
	}
	mid := c.SDPMid
	index := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}
