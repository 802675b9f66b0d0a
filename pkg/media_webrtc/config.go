package media_webrtc

import (
	"log/slog"

	"github.com/pion/logging"
)

// Метка канала данных по умолчанию. Совпадает с меткой, которую шлюз
// ожидает от браузерных клиентов.
const defaultDataChannelLabel = "JanusDataChannel"

// Config настройки медиадвижка на pion.
//
// Переносимая часть (STUN/TURN серверы, политика кандидатов) приходит
// от сигнального ядра через EngineConfig, здесь остаются настройки,
// специфичные для pion.
type Config struct {
	// LoggerFactory фабрика логгеров внутренних компонентов pion.
	// При nil используется фабрика pion по умолчанию.
	LoggerFactory logging.LoggerFactory

	// Logger логгер самого движка
	Logger *slog.Logger

	// UDPPortMin и UDPPortMax ограничивают диапазон локальных UDP портов
	// для медиа. Нулевые значения снимают ограничение.
	UDPPortMin uint16
	UDPPortMax uint16

	// DataChannelLabel метка канала данных, создаваемого движком
	DataChannelLabel string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		DataChannelLabel: defaultDataChannelLabel,
	}
}

// applyDefaults заполняет незаданные поля значениями по умолчанию
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = defaultDataChannelLabel
	}
}
