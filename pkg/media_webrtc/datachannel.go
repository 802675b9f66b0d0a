package media_webrtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// dataChannelInit параметры создаваемых каналов данных
func dataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

// dataChannel обертка канала данных с очередью до открытия.
//
// Канал создается до завершения согласования, поэтому сообщения,
// отправленные раньше открытия, накапливаются и доставляются после.
type dataChannel struct {
	dc      *webrtc.DataChannel
	mutex   sync.Mutex
	open    bool
	pending [][]byte
}

func (ch *dataChannel) label() string {
	return ch.dc.Label()
}

// markOpen переводит канал в открытое состояние и забирает очередь
func (ch *dataChannel) markOpen() [][]byte {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.open = true
	queued := ch.pending
	ch.pending = nil
	return queued
}

// send доставляет сообщение либо откладывает его до открытия канала
func (ch *dataChannel) send(payload []byte) error {
	ch.mutex.Lock()
	if !ch.open {
		// копия на случай переиспользования буфера вызывающим
		ch.pending = append(ch.pending, append([]byte(nil), payload...))
		ch.mutex.Unlock()
		return nil
	}
	ch.mutex.Unlock()
	return ch.dc.Send(payload)
}

// bindDataChannelLocked регистрирует канал и подключает его события.
// Вызывается под e.mutex, для локальных и удаленных каналов одинаково.
func (e *Engine) bindDataChannelLocked(dc *webrtc.DataChannel) *dataChannel {
	ch := &dataChannel{dc: dc}
	e.channels[dc.Label()] = ch

	dc.OnOpen(func() {
		queued := ch.markOpen()
		for _, payload := range queued {
			if err := dc.Send(payload); err != nil {
				e.logger.Debug("queued data delivery failed", "label", dc.Label(), "error", err)
			}
		}
		if e.isClosed() {
			return
		}
		e.logger.Debug("data channel open", "label", dc.Label(), "queued", len(queued))
		if cb := e.events.OnDataOpen; cb != nil {
			cb(dc.Label())
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if e.isClosed() {
			return
		}
		if cb := e.events.OnDataMessage; cb != nil {
			// pion переиспользует внутренние буферы
			data := append([]byte(nil), msg.Data...)
			cb(dc.Label(), data)
		}
	})

	dc.OnClose(func() {
		e.mutex.Lock()
		if e.channels[dc.Label()] == ch {
			delete(e.channels, dc.Label())
		}
		closed := e.closed
		e.mutex.Unlock()
		if closed {
			return
		}
		if cb := e.events.OnDataClose; cb != nil {
			cb(dc.Label())
		}
	})

	return ch
}
