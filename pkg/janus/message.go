package janus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageKind определяет вид кадра протокола шлюза.
// Передается в поле "janus" каждого JSON кадра.
type MessageKind string

// Кадры, отправляемые клиентом на шлюз.
const (
	// KindCreate - создание новой сессии на шлюзе
	KindCreate MessageKind = "create"

	// KindDestroy - уничтожение сессии и всех ее обработчиков
	KindDestroy MessageKind = "destroy"

	// KindInfo - запрос информации о шлюзе (версия, плагины)
	KindInfo MessageKind = "info"

	// KindAttach - подключение обработчика плагина к сессии
	KindAttach MessageKind = "attach"

	// KindDetach - отключение обработчика плагина
	KindDetach MessageKind = "detach"

	// KindMessage - сообщение плагину (тело + опциональный SDP)
	KindMessage MessageKind = "message"

	// KindTrickle - передача ICE кандидата или признака завершения сбора
	KindTrickle MessageKind = "trickle"

	// KindKeepalive - поддержание сессии на постоянном соединении
	KindKeepalive MessageKind = "keepalive"

	// KindHangup - сброс медиасоединения обработчика без отключения плагина.
	// Шлюз использует тот же вид для уведомления о сбросе со своей стороны.
	KindHangup MessageKind = "hangup"
)

// Кадры, отправляемые шлюзом клиенту.
const (
	// KindSuccess - успешное завершение запроса
	KindSuccess MessageKind = "success"

	// KindError - отказ шлюза с кодом и причиной
	KindError MessageKind = "error"

	// KindAck - подтверждение приема асинхронного запроса
	KindAck MessageKind = "ack"

	// KindEvent - асинхронное событие плагина
	KindEvent MessageKind = "event"

	// KindWebRTCUp - медиасоединение обработчика установлено
	KindWebRTCUp MessageKind = "webrtcup"

	// KindMedia - шлюз начал или перестал принимать медиапоток
	KindMedia MessageKind = "media"

	// KindSlowLink - деградация канала (потери пакетов)
	KindSlowLink MessageKind = "slowlink"

	// KindDetached - шлюз отключил обработчик со своей стороны
	KindDetached MessageKind = "detached"

	// KindTimeout - шлюз уничтожил сессию по неактивности
	KindTimeout MessageKind = "timeout"

	// KindServerInfo - ответ на запрос info
	KindServerInfo MessageKind = "server_info"
)

// String возвращает строковое представление вида кадра
func (k MessageKind) String() string {
	return string(k)
}

// JSEP описывает SDP дескриптор в терминах JavaScript Session Establishment
// Protocol: тип (offer или answer) и сам текст SDP.
type JSEP struct {
	// Type тип дескриптора: "offer" или "answer"
	Type string `json:"type"`

	// SDP полный текст описания сессии
	SDP string `json:"sdp"`

	// Trickle признак инкрементальной передачи кандидатов
	Trickle *bool `json:"trickle,omitempty"`
}

// IsOffer проверяет, является ли дескриптор предложением
func (j *JSEP) IsOffer() bool {
	return j != nil && j.Type == "offer"
}

// IsAnswer проверяет, является ли дескриптор ответом
func (j *JSEP) IsAnswer() bool {
	return j != nil && j.Type == "answer"
}

// Candidate описывает ICE кандидата для передачи через trickle.
//
// Возможны две формы на проводе: обычный кандидат с полями
// candidate/sdpMid/sdpMLineIndex либо признак завершения {"completed": true}.
type Candidate struct {
	// Candidate строка кандидата в формате SDP a=candidate
	Candidate string `json:"candidate,omitempty"`

	// SDPMid идентификатор m-секции
	SDPMid string `json:"sdpMid,omitempty"`

	// SDPMLineIndex индекс m-секции
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`

	// Completed признак завершения сбора кандидатов
	Completed bool `json:"completed,omitempty"`
}

// MarshalJSON сериализует кандидата в одну из двух проводных форм.
// Признак завершения передается без остальных полей.
func (c Candidate) MarshalJSON() ([]byte, error) {
	if c.Completed {
		return []byte(`{"completed":true}`), nil
	}
	type wire struct {
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	}
	return json.Marshal(wire{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// Request исходящий кадр клиента.
//
// Протокол шлюза использует плоский JSON: все поля запроса лежат на верхнем
// уровне рядом с видом кадра, неиспользуемые опускаются.
type Request struct {
	// Janus вид кадра
	Janus MessageKind `json:"janus"`

	// Transaction токен корреляции запроса и ответа
	Transaction string `json:"transaction,omitempty"`

	// APISecret общий секрет шлюза
	APISecret string `json:"apisecret,omitempty"`

	// Token токен авторизации (механизм stored token шлюза)
	Token string `json:"token,omitempty"`

	// SessionID адресация на уровне сессии (только постоянное соединение)
	SessionID uint64 `json:"session_id,omitempty"`

	// HandleID адресация на уровне обработчика (только постоянное соединение)
	HandleID uint64 `json:"handle_id,omitempty"`

	// Plugin имя плагина для attach (например "janus.plugin.echotest")
	Plugin string `json:"plugin,omitempty"`

	// OpaqueID клиентская метка обработчика для корреляции в логах шлюза
	OpaqueID string `json:"opaque_id,omitempty"`

	// Body непрозрачное тело для плагина (message)
	Body any `json:"body,omitempty"`

	// JSEP прилагаемый SDP дескриптор (message)
	JSEP *JSEP `json:"jsep,omitempty"`

	// Candidate ICE кандидат (trickle)
	Candidate *Candidate `json:"candidate,omitempty"`
}

// SuccessData полезная нагрузка успешного ответа create/attach
type SuccessData struct {
	// ID идентификатор созданной сессии или обработчика
	ID uint64 `json:"id"`
}

// PluginData полезная нагрузка события плагина
type PluginData struct {
	// Plugin имя плагина-отправителя
	Plugin string `json:"plugin"`

	// Data непрозрачные данные плагина
	Data json.RawMessage `json:"data"`
}

// GatewayError ошибка в ответе шлюза: числовой код и причина
type GatewayError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}

// Коды ошибок ядра шлюза, которые клиент различает особо.
const (
	// GatewayErrSessionNotFound сессия не существует (уничтожена или истекла)
	GatewayErrSessionNotFound = 458

	// GatewayErrHandleNotFound обработчик не существует
	GatewayErrHandleNotFound = 459
)

// ServerMessage входящий кадр шлюза.
//
// Покрывает все виды кадров: поля, не относящиеся к конкретному виду,
// остаются нулевыми. Исходный JSON сохраняется в Raw для доступа к полям,
// которые клиент не разбирает (например, содержимое server_info).
type ServerMessage struct {
	// Janus вид кадра
	Janus MessageKind `json:"janus"`

	// Transaction токен корреляции, если кадр отвечает на запрос
	Transaction string `json:"transaction,omitempty"`

	// SessionID сессия, к которой относится кадр
	SessionID uint64 `json:"session_id,omitempty"`

	// Sender обработчик-источник события
	Sender uint64 `json:"sender,omitempty"`

	// Data полезная нагрузка success (create/attach)
	Data *SuccessData `json:"data,omitempty"`

	// PluginData полезная нагрузка события плагина
	PluginData *PluginData `json:"plugindata,omitempty"`

	// JSEP прилагаемый SDP дескриптор
	JSEP *JSEP `json:"jsep,omitempty"`

	// Error описание отказа (кадры вида error)
	Error *GatewayError `json:"error,omitempty"`

	// Candidate ICE кандидат шлюза (кадры trickle в сторону клиента)
	Candidate *Candidate `json:"candidate,omitempty"`

	// Reason причина сброса (кадры вида hangup)
	Reason string `json:"reason,omitempty"`

	// Type тип медиапотока для кадров media: "audio" или "video"
	Type string `json:"type,omitempty"`

	// Receiving признак приема медиапотока (кадры media)
	Receiving *bool `json:"receiving,omitempty"`

	// Uplink направление деградации канала (кадры slowlink)
	Uplink *bool `json:"uplink,omitempty"`

	// Lost количество потерянных пакетов (кадры slowlink)
	Lost int64 `json:"lost,omitempty"`

	// Raw исходный JSON кадра
	Raw json.RawMessage `json:"-"`
}

// ServerInfo сведения о шлюзе из ответа на запрос info
type ServerInfo struct {
	Name          string                     `json:"name"`
	Version       int                        `json:"version"`
	VersionString string                     `json:"version_string"`
	Author        string                     `json:"author,omitempty"`
	Plugins       map[string]json.RawMessage `json:"plugins,omitempty"`
}

// decodeServerInfo извлекает сведения о шлюзе из кадра server_info
func decodeServerInfo(msg *ServerMessage) (*ServerInfo, error) {
	if msg.Janus != KindServerInfo {
		return nil, fmt.Errorf("unexpected reply kind %q to info request", msg.Janus)
	}
	info := &ServerInfo{}
	if err := json.Unmarshal(msg.Raw, info); err != nil {
		return nil, fmt.Errorf("malformed server info: %w", err)
	}
	return info, nil
}

// parseServerMessage разбирает один JSON кадр шлюза
func parseServerMessage(data []byte) (*ServerMessage, error) {
	msg := &ServerMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("malformed gateway frame: %w", err)
	}
	if msg.Janus == "" {
		return nil, fmt.Errorf("gateway frame without janus field")
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

// parseServerMessages разбирает полезную нагрузку транспорта: одиночный кадр
// либо пакет кадров в виде JSON массива (длинный опрос может вернуть несколько
// событий за раз).
func parseServerMessages(data []byte) ([]*ServerMessage, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty gateway payload")
	}

	if trimmed[0] != '[' {
		msg, err := parseServerMessage(trimmed)
		if err != nil {
			return nil, err
		}
		return []*ServerMessage{msg}, nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, fmt.Errorf("malformed gateway batch: %w", err)
	}

	msgs := make([]*ServerMessage, 0, len(batch))
	for _, raw := range batch {
		msg, err := parseServerMessage(raw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
