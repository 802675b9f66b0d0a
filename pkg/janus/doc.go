// Package janus - Сигнальный клиент медиашлюза
//
// Этот файл содержит детальные примеры типовых сценариев пакета janus.

package janus

// Пример 1: Установление сессии и подключение к плагину echotest
//
//	func runEchoTest(ctx context.Context) error {
//		cfg := janus.DefaultConfig("wss://gateway.example.com/janus")
//		cfg.APISecret = "janusrocks"
//		cfg.Engine = media_webrtc.Factory()
//
//		session, err := janus.NewSession(cfg)
//		if err != nil {
//			return fmt.Errorf("failed to create session: %w", err)
//		}
//
//		session.OnConnectionLost(func(serr *janus.SignalError) {
//			log.Printf("connection lost: %v", serr)
//		})
//
//		if err := session.Connect(ctx); err != nil {
//			return fmt.Errorf("failed to connect: %w", err)
//		}
//		defer session.Disconnect(context.Background())
//
//		handle, err := session.Attach(ctx, "janus.plugin.echotest", janus.AttachOpts{
//			OpaqueID: "echotest-demo",
//			Media: janus.MediaOptions{
//				Audio: janus.Bool(true),
//				Video: janus.Bool(false),
//			},
//			Callbacks: janus.HandleCallbacks{
//				OnEvent: func(event json.RawMessage, jsep *janus.JSEP) {
//					log.Printf("plugin event: %s", event)
//				},
//				OnWebRTCUp: func() {
//					log.Println("media is flowing")
//				},
//			},
//		})
//		if err != nil {
//			return fmt.Errorf("failed to attach: %w", err)
//		}
//
//		// Создание предложения и его доставка вместе с телом плагина
//		if _, err := handle.CreateOffer(ctx, janus.MediaOptions{
//			Audio: janus.Bool(true),
//		}); err != nil {
//			return fmt.Errorf("failed to create offer: %w", err)
//		}
//
//		// Неотправленный локальный дескриптор прилагается автоматически
//		reply, err := handle.SendMessage(ctx, map[string]any{"audio": true}, nil)
//		if err != nil {
//			return fmt.Errorf("plugin rejected message: %w", err)
//		}
//		log.Printf("gateway replied with %s", reply.Janus)
//
//		return nil
//	}

// Пример 2: Прием входящего предложения с автоматическим ответом
//
//	func attachVideoRoom(ctx context.Context, session *janus.Session) error {
//		// Прилагаемый к событию дескриптор применяется до доставки события.
//		// Если это предложение, ответ создается автоматически с медиа из
//		// AttachOpts и остается неотправленным: его доставляет следующий
//		// SendMessage.
//		handle, err := session.Attach(ctx, "janus.plugin.videoroom", janus.AttachOpts{
//			Media: janus.MediaOptions{
//				Audio:     janus.Bool(true),
//				Video:     janus.Bool(true),
//				VideoSend: janus.Bool(false), // только прием видео
//			},
//			Callbacks: janus.HandleCallbacks{
//				OnEvent: func(event json.RawMessage, jsep *janus.JSEP) {
//					if jsep.IsOffer() {
//						// Ответ уже создан, осталось доставить его шлюзу
//						go func() {
//							ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//							defer cancel()
//							body := map[string]any{"request": "start"}
//							if _, err := handleRef.SendMessage(ctx, body, nil); err != nil {
//								log.Printf("failed to deliver answer: %v", err)
//							}
//						}()
//					}
//				},
//				OnRemoteStream: func(stream janus.StreamInfo) {
//					log.Printf("remote %s stream: %s", stream.Kind, stream.ID)
//				},
//				OnHangup: func(reason string) {
//					log.Printf("gateway hung up: %s", reason)
//				},
//			},
//		})
//		if err != nil {
//			return err
//		}
//		handleRef = handle
//		return nil
//	}

// Пример 3: Несколько адресов шлюза и обработка потери соединения
//
//	func connectResilient(ctx context.Context) (*janus.Session, error) {
//		cfg := janus.DefaultConfig("https://gw1.example.com/janus")
//		cfg.Servers = []string{
//			"https://gw2.example.com/janus",
//			"wss://gw3.example.com/janus",
//		}
//
//		session, err := janus.NewSession(cfg)
//		if err != nil {
//			return nil, err
//		}
//
//		session.OnConnectionLost(func(serr *janus.SignalError) {
//			// Каскад очистки уже выполнен: обработчики освобождены,
//			// ожидающие транзакции отклонены. Решение о переподключении
//			// остается за приложением.
//			log.Printf("connection lost (%s), reconnecting", serr.Code)
//			go func() {
//				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//				defer cancel()
//				if err := session.Reconnect(ctx); err != nil {
//					log.Printf("reconnect failed: %v", err)
//				}
//			}()
//		})
//
//		if err := session.Connect(ctx); err != nil {
//			return nil, err
//		}
//		return session, nil
//	}

// Пример 4: Сброс медиа без отключения от плагина
//
//	func restartMedia(ctx context.Context, handle *janus.Handle) error {
//		// Hangup закрывает медиадвижок и забывает дескрипторы, но
//		// подключение к плагину сохраняется
//		if err := handle.Hangup(ctx, true); err != nil {
//			return err
//		}
//
//		// Обработчик готов к новому согласованию
//		if _, err := handle.CreateOffer(ctx, janus.MediaOptions{
//			Audio: janus.Bool(true),
//			Video: janus.Bool(true),
//		}); err != nil {
//			return err
//		}
//		_, err := handle.SendMessage(ctx, map[string]any{"request": "configure"}, nil)
//		return err
//	}
