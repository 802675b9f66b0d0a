package media_webrtc

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Идентификатор медиапотока исходящих треков
const sendStreamID = "janus-client"

// newSendTrack создает исходящий трек для переиспользования транссивера
// из удаленного предложения
func newSendTrack(kind webrtc.RTPCodecType) (*webrtc.TrackLocalStaticSample, error) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", sendStreamID)
	case webrtc.RTPCodecTypeVideo:
		return webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", sendStreamID)
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind.String())
	}
}

// trackStats счетчики приема одного удаленного трека
type trackStats struct {
	packets uint64
	bytes   uint64
	lost    uint64
	lastSeq uint16
	started bool
}

// update учитывает принятый пакет и оценивает потери по разрывам
// последовательности
func (s *trackStats) update(pkt *rtp.Packet) {
	s.packets++
	s.bytes += uint64(pkt.MarshalSize())
	if s.started {
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.lost += uint64(gap - 1)
		}
	}
	s.lastSeq = pkt.SequenceNumber
	s.started = true
}

// consumeTrack вычитывает RTP пакеты удаленного трека до его завершения.
// Чтение обязательное: без него pion не обслуживает буферы приема.
// Завершается само при закрытии соединения.
func (e *Engine) consumeTrack(track *webrtc.TrackRemote) {
	stats := &trackStats{}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			e.logger.Debug("remote track finished",
				"kind", track.Kind().String(),
				"track_id", track.ID(),
				"packets", stats.packets,
				"bytes", stats.bytes,
				"lost", stats.lost,
			)
			return
		}
		stats.update(pkt)
	}
}
