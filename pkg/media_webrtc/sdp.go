package media_webrtc

import (
	"github.com/pion/sdp/v3"
)

// offeredMedia состав удаленного предложения по m-секциям
type offeredMedia struct {
	// Audio и Video признаки наличия секции соответствующего вида
	Audio bool
	Video bool

	// AudioAccepts и VideoAccepts готовность удаленной стороны принимать
	// наш поток в этой секции
	AudioAccepts bool
	VideoAccepts bool

	// Data признак секции канала данных
	Data bool
}

// inspectSDP разбирает удаленное предложение и возвращает его состав.
// Ответ не может выходить за рамки предложенных секций, поэтому состав
// определяет, какие треки имеет смысл добавлять.
func inspectSDP(raw string) (offeredMedia, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return offeredMedia{}, err
	}

	var out offeredMedia
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			// отклоненная секция
			continue
		}
		switch m.MediaName.Media {
		case "audio":
			out.Audio = true
			out.AudioAccepts = out.AudioAccepts || remoteAccepts(m)
		case "video":
			out.Video = true
			out.VideoAccepts = out.VideoAccepts || remoteAccepts(m)
		case "application":
			out.Data = true
		}
	}
	return out, nil
}

// remoteAccepts определяет по атрибуту направления, готова ли удаленная
// сторона принимать наш поток. Отсутствие атрибута означает sendrecv.
func remoteAccepts(m *sdp.MediaDescription) bool {
	if _, ok := m.Attribute("inactive"); ok {
		return false
	}
	if _, ok := m.Attribute("sendonly"); ok {
		// удаленная сторона только отправляет
		return false
	}
	return true
}
