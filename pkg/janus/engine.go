package janus

import "context"

// MediaOptions управляет составом медиа при создании дескрипторов.
//
// Разрешение флагов трехуровневое. Для каждого направления:
//  1. Явный false флага вида (Audio, Video) отключает оба направления
//     независимо от направленных флагов.
//  2. Иначе действует направленный флаг (AudioSend и т.п.), если он задан.
//  3. Отсутствие обоих флагов означает "включено".
//
// Каналы данных по умолчанию выключены и включаются явно через Data.
type MediaOptions struct {
	// Audio общий флаг аудио (отключает оба направления при false)
	Audio *bool

	// AudioSend передача аудио в сторону шлюза
	AudioSend *bool

	// AudioRecv прием аудио от шлюза
	AudioRecv *bool

	// Video общий флаг видео
	Video *bool

	// VideoSend передача видео в сторону шлюза
	VideoSend *bool

	// VideoRecv прием видео от шлюза
	VideoRecv *bool

	// Data канал данных
	Data *bool

	// Trickle инкрементальная передача ICE кандидатов.
	// По умолчанию включена.
	Trickle *bool
}

// Bool упаковывает литерал в указатель для полей MediaOptions
func Bool(v bool) *bool {
	return &v
}

// resolveDirection применяет трехуровневое правило к одной паре флагов
func resolveDirection(kind, direction *bool) bool {
	if kind != nil && !*kind {
		return false
	}
	if direction != nil {
		return *direction
	}
	return true
}

// SendAudio возвращает итоговое решение о передаче аудио
func (m MediaOptions) SendAudio() bool {
	return resolveDirection(m.Audio, m.AudioSend)
}

// RecvAudio возвращает итоговое решение о приеме аудио
func (m MediaOptions) RecvAudio() bool {
	return resolveDirection(m.Audio, m.AudioRecv)
}

// SendVideo возвращает итоговое решение о передаче видео
func (m MediaOptions) SendVideo() bool {
	return resolveDirection(m.Video, m.VideoSend)
}

// RecvVideo возвращает итоговое решение о приеме видео
func (m MediaOptions) RecvVideo() bool {
	return resolveDirection(m.Video, m.VideoRecv)
}

// UseData возвращает итоговое решение о канале данных
func (m MediaOptions) UseData() bool {
	return m.Data != nil && *m.Data
}

// TrickleEnabled возвращает итоговое решение об инкрементальных кандидатах
func (m MediaOptions) TrickleEnabled() bool {
	if m.Trickle != nil {
		return *m.Trickle
	}
	return true
}

// ICEServer описывает STUN или TURN сервер для медиадвижка
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// EngineConfig переносимые настройки медиадвижка.
// Передается фабрике при создании движка для обработчика.
type EngineConfig struct {
	// ICEServers список STUN/TURN серверов
	ICEServers []ICEServer

	// ICETransportPolicy политика сбора кандидатов: "all" или "relay"
	ICETransportPolicy string
}

// StreamInfo описывает удаленный медиапоток, появившийся у движка
type StreamInfo struct {
	// Kind тип потока: "audio" или "video"
	Kind string

	// ID идентификатор потока или трека
	ID string
}

// EngineEvents обратные вызовы медиадвижка в сторону обработчика.
//
// Все поля опциональны. Движок обязан не вызывать их после Close.
type EngineEvents struct {
	// OnLocalCandidate найден локальный ICE кандидат
	OnLocalCandidate func(Candidate)

	// OnGatheringComplete сбор локальных кандидатов завершен
	OnGatheringComplete func()

	// OnRemoteStream появился удаленный медиапоток
	OnRemoteStream func(StreamInfo)

	// OnConnectionStateChange изменилось состояние медиасоединения
	OnConnectionStateChange func(state string)

	// OnDataOpen канал данных открыт
	OnDataOpen func(label string)

	// OnDataMessage пришло сообщение по каналу данных
	OnDataMessage func(label string, payload []byte)

	// OnDataClose канал данных закрыт
	OnDataClose func(label string)
}

// MediaEngine внешняя способность согласования медиа.
//
// Сигнальное ядро не знает, чем реализовано согласование: движок создается
// фабрикой по требованию, получает и отдает SDP дескрипторы и сообщает о
// кандидатах через EngineEvents. Реализация на pion живет в пакете
// media_webrtc.
type MediaEngine interface {
	// CreateOffer строит черновик локального предложения с учетом опций.
	// Дескриптор не применяется: это делает SetLocalDescription.
	CreateOffer(ctx context.Context, opts MediaOptions) (*JSEP, error)

	// CreateAnswer строит черновик локального ответа на принятое ранее
	// предложение. Дескриптор не применяется.
	CreateAnswer(ctx context.Context, opts MediaOptions) (*JSEP, error)

	// SetLocalDescription применяет локальный дескриптор. Без trickle
	// блокируется до окончания сбора кандидатов и возвращает итоговый
	// дескриптор с кандидатами, иначе возвращает его сразу.
	SetLocalDescription(ctx context.Context, jsep *JSEP) (*JSEP, error)

	// SetRemoteDescription применяет удаленный дескриптор
	SetRemoteDescription(ctx context.Context, jsep *JSEP) error

	// AddRemoteCandidate применяет удаленного ICE кандидата.
	// Признак завершения передается кандидатом с Completed.
	AddRemoteCandidate(candidate Candidate) error

	// SendData отправляет сообщение по каналу данных
	SendData(label string, payload []byte) error

	// Close освобождает все ресурсы движка. Идемпотентен.
	Close() error
}

// EngineFactory создает медиадвижок для обработчика.
// Вызывается сигнальным ядром при первой операции согласования.
type EngineFactory func(cfg EngineConfig, events EngineEvents) (MediaEngine, error)
