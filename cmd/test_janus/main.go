package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/janus_client/pkg/janus"
	"github.com/arzzra/janus_client/pkg/media_webrtc"
)

func main() {
	var (
		server    = flag.String("server", "http://127.0.0.1:8088/janus", "Gateway address (http, https, ws, wss)")
		apiSecret = flag.String("secret", "", "Gateway API secret")
		token     = flag.String("token", "", "Gateway auth token")
		mode      = flag.String("mode", "info", "Mode: info, echotest, monitor")
		plugin    = flag.String("plugin", "janus.plugin.echotest", "Plugin for monitor mode")
		duration  = flag.Duration("duration", 30*time.Second, "Echo test duration")
		debug     = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := janus.DefaultConfig(*server)
	cfg.APISecret = *apiSecret
	cfg.Token = *token
	cfg.Logger = logger
	cfg.Engine = media_webrtc.Factory(&media_webrtc.Config{Logger: logger})

	switch *mode {
	case "info":
		runInfo(cfg)
	case "echotest":
		runEchoTest(cfg, *duration)
	case "monitor":
		runMonitor(cfg, *plugin)
	default:
		fmt.Printf("Неизвестный режим: %s\n", *mode)
		fmt.Println("Доступные режимы: info, echotest, monitor")
		os.Exit(1)
	}
}

// connect устанавливает сессию и печатает ее идентификатор
func connect(cfg *janus.Config) *janus.Session {
	session, err := janus.NewSession(cfg)
	if err != nil {
		log.Fatalf("Ошибка создания сессии: %v", err)
	}

	session.OnConnectionLost(func(serr *janus.SignalError) {
		log.Printf("!!! Соединение со шлюзом потеряно: %v", serr)
	})
	session.OnDisconnected(func(sessionID uint64) {
		log.Printf("Сессия %d закрыта", sessionID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := session.Connect(ctx); err != nil {
		log.Fatalf("Ошибка подключения к шлюзу: %v", err)
	}
	log.Printf("Сессия установлена: %d", session.ID())
	return session
}

// runInfo печатает сведения о шлюзе
func runInfo(cfg *janus.Config) {
	session := connect(cfg)
	defer session.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := session.Info(ctx)
	if err != nil {
		log.Fatalf("Ошибка запроса info: %v", err)
	}

	log.Printf("=== СВЕДЕНИЯ О ШЛЮЗЕ ===")
	log.Printf("Имя: %s", info.Name)
	log.Printf("Версия: %s (%d)", info.VersionString, info.Version)
	if info.Author != "" {
		log.Printf("Автор: %s", info.Author)
	}
	log.Printf("Плагинов: %d", len(info.Plugins))
	for name := range info.Plugins {
		log.Printf("  - %s", name)
	}
}

// runEchoTest гоняет аудио через janus.plugin.echotest
func runEchoTest(cfg *janus.Config, duration time.Duration) {
	session := connect(cfg)
	defer session.Disconnect(context.Background())

	done := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handle, err := session.Attach(ctx, "janus.plugin.echotest", janus.AttachOpts{
		OpaqueID: "test-janus-echotest",
		Media: janus.MediaOptions{
			Audio: janus.Bool(true),
			Video: janus.Bool(false),
		},
		Callbacks: janus.HandleCallbacks{
			OnEvent: func(event json.RawMessage, jsep *janus.JSEP) {
				log.Printf("Событие плагина: %s", string(event))
				if jsep.IsAnswer() {
					log.Printf("Получен ответ шлюза, согласование завершено")
				}
			},
			OnWebRTCUp: func() {
				log.Printf("=== МЕДИА УСТАНОВЛЕНО ===")
			},
			OnMedia: func(kind string, receiving bool) {
				log.Printf("Шлюз %s прием %s", receivingWord(receiving), kind)
			},
			OnSlowLink: func(uplink bool, lost int64) {
				log.Printf("Деградация канала: uplink=%v lost=%d", uplink, lost)
			},
			OnHangup: func(reason string) {
				log.Printf("Шлюз сбросил медиа: %s", reason)
				close(done)
			},
		},
	})
	if err != nil {
		log.Fatalf("Ошибка подключения к echotest: %v", err)
	}
	log.Printf("Обработчик подключен: %d", handle.ID())

	if _, err := handle.CreateOffer(ctx, janus.MediaOptions{
		Audio: janus.Bool(true),
		Video: janus.Bool(false),
	}); err != nil {
		log.Fatalf("Ошибка создания предложения: %v", err)
	}

	reply, err := handle.SendMessage(ctx, map[string]any{"audio": true, "video": false}, nil)
	if err != nil {
		log.Fatalf("Плагин отверг сообщение: %v", err)
	}
	log.Printf("Шлюз принял предложение: %s", reply.Janus)

	select {
	case <-time.After(duration):
		log.Printf("Тест завершен по таймеру")
	case <-done:
		log.Printf("Тест завершен шлюзом")
	case <-interrupted():
		log.Printf("Тест прерван")
	}

	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hcancel()
	if err := handle.Hangup(hctx, true); err != nil {
		log.Printf("Ошибка сброса медиа: %v", err)
	}
	if err := handle.Detach(hctx); err != nil {
		log.Printf("Ошибка отключения обработчика: %v", err)
	}
}

// runMonitor подключается к плагину и печатает все события до прерывания
func runMonitor(cfg *janus.Config, plugin string) {
	session := connect(cfg)
	defer session.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	handle, err := session.Attach(ctx, plugin, janus.AttachOpts{
		OpaqueID: "test-janus-monitor",
		Callbacks: janus.HandleCallbacks{
			OnEvent: func(event json.RawMessage, jsep *janus.JSEP) {
				log.Printf("Событие: %s", string(event))
				if jsep != nil {
					log.Printf("Дескриптор: %s (%d байт SDP)", jsep.Type, len(jsep.SDP))
				}
			},
			OnDetached: func() {
				log.Printf("Обработчик отключен")
			},
		},
	})
	if err != nil {
		log.Fatalf("Ошибка подключения к %s: %v", plugin, err)
	}
	log.Printf("Наблюдение за %s (обработчик %d), Ctrl+C для выхода", plugin, handle.ID())

	<-interrupted()
	log.Printf("Завершение")
}

// interrupted возвращает канал, закрывающийся по SIGINT или SIGTERM
func interrupted() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

func receivingWord(receiving bool) string {
	if receiving {
		return "начал"
	}
	return "прекратил"
}
