package janus

import (
	"log/slog"
	"net/url"
	"time"
)

// Config содержит конфигурацию сигнального клиента.
//
// Определяет основные параметры работы:
//   - Адрес шлюза и запасные адреса (схема выбирает транспорт)
//   - Аутентификация (общий секрет, токен)
//   - Таймауты опроса, рукопожатия и запросов
//   - Фабрика медиадвижка и настройки ICE
//   - Логирование и метрики
type Config struct {
	// Server базовый адрес шлюза. Схема определяет транспорт:
	// http/https - запросы с длинным опросом, ws/wss - постоянное соединение.
	Server string

	// Servers запасные адреса. При установлении сессии перебираются
	// по порядку после основного, пока один не ответит.
	Servers []string

	// APISecret общий секрет шлюза, добавляется к каждому запросу
	APISecret string

	// Token токен авторизации (механизм stored token шлюза)
	Token string

	// KeepAliveInterval период отправки keepalive на постоянном соединении.
	// По умолчанию: 25 секунд. На длинном опросе keepalive не нужен,
	// сессию поддерживает сам опрос.
	KeepAliveInterval time.Duration

	// PollTimeout максимальное время удержания одного длинного опроса.
	// По умолчанию: 60 секунд.
	PollTimeout time.Duration

	// PollInterval пауза между опросами. Выдерживается после каждого
	// опроса, успешного и неудачного.
	// По умолчанию: 200 миллисекунд.
	PollInterval time.Duration

	// MaxPollRetries допустимое число подряд неудачных опросов.
	// Следующая неудача считается потерей соединения.
	// По умолчанию: 3.
	MaxPollRetries int

	// HandshakeTimeout таймаут установления постоянного соединения.
	// По умолчанию: 10 секунд.
	HandshakeTimeout time.Duration

	// RequestTimeout максимальное время ожидания ответа на запрос.
	// По умолчанию: 30 секунд.
	RequestTimeout time.Duration

	// Engine фабрика медиадвижка. Без нее операции согласования
	// (CreateOffer, CreateAnswer, SetRemoteDescription) недоступны.
	Engine EngineFactory

	// EngineConfig настройки создаваемых движков (ICE серверы и политика)
	EngineConfig EngineConfig

	// Logger структурированный логгер. Если nil, используется slog.Default().
	Logger *slog.Logger

	// Metrics конфигурация сборщика метрик. Если nil, метрики включены
	// с настройками по умолчанию.
	Metrics *MetricsConfig
}

// DefaultConfig возвращает конфигурацию по умолчанию для данного адреса шлюза
func DefaultConfig(server string) *Config {
	return &Config{
		Server:            server,
		KeepAliveInterval: 25 * time.Second,
		PollTimeout:       60 * time.Second,
		PollInterval:      200 * time.Millisecond,
		MaxPollRetries:    3,
		HandshakeTimeout:  10 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// applyDefaults заполняет нулевые поля значениями по умолчанию
func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Server)
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxPollRetries == 0 {
		c.MaxPollRetries = def.MaxPollRetries
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = DefaultMetricsConfig()
	}
}

// Validate проверяет конфигурацию на корректность
func (c *Config) Validate() error {
	if c.Server == "" {
		return ErrInvalidConfig("Server", c.Server, "адрес шлюза обязателен")
	}
	for _, server := range append([]string{c.Server}, c.Servers...) {
		if err := validateServerURL(server); err != nil {
			return err
		}
	}
	if c.KeepAliveInterval < 0 {
		return ErrInvalidConfig("KeepAliveInterval", c.KeepAliveInterval, "интервал не может быть отрицательным")
	}
	if c.PollTimeout < 0 {
		return ErrInvalidConfig("PollTimeout", c.PollTimeout, "таймаут не может быть отрицательным")
	}
	if c.MaxPollRetries < 0 {
		return ErrInvalidConfig("MaxPollRetries", c.MaxPollRetries, "число повторов не может быть отрицательным")
	}
	return nil
}

// validateServerURL проверяет адрес шлюза и его схему
func validateServerURL(server string) error {
	u, err := url.Parse(server)
	if err != nil {
		return ErrInvalidServerURL(server, err.Error()).WithCause(err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return ErrInvalidServerURL(server, "неизвестная схема, ожидается http(s) или ws(s)")
	}
	if u.Host == "" {
		return ErrInvalidServerURL(server, "адрес без хоста")
	}
	return nil
}
