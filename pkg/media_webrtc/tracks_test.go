package media_webrtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewSendTrackKinds проверяет кодеки исходящих треков по видам
func TestNewSendTrackKinds(t *testing.T) {
	audio, err := newSendTrack(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, webrtc.MimeTypeOpus, audio.Codec().MimeType)
	assert.Equal(t, sendStreamID, audio.StreamID())

	video, err := newSendTrack(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, webrtc.MimeTypeVP8, video.Codec().MimeType)

	_, err = newSendTrack(webrtc.RTPCodecType(0))
	require.Error(t, err, "unknown kind has no codec")
}

// TestTrackStatsLoss проверяет оценку потерь по номерам
// последовательности, включая переполнение счетчика
func TestTrackStatsLoss(t *testing.T) {
	feed := func(s *trackStats, seqs ...uint16) {
		for _, seq := range seqs {
			s.update(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
		}
	}

	tests := []struct {
		name string
		seqs []uint16
		lost uint64
	}{
		{"contiguous", []uint16{1, 2, 3, 4}, 0},
		{"single gap", []uint16{10, 15}, 4},
		{"wraparound without loss", []uint16{65534, 65535, 0, 1}, 0},
		{"wraparound with loss", []uint16{65534, 1}, 2},
		{"reorder ignored", []uint16{20, 19}, 0},
		{"first packet sets baseline", []uint16{5000}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &trackStats{}
			feed(stats, tt.seqs...)
			assert.Equal(t, tt.lost, stats.lost)
			assert.Equal(t, uint64(len(tt.seqs)), stats.packets)
		})
	}
}

// TestTrackStatsBytes проверяет учет объема принятых данных
func TestTrackStatsBytes(t *testing.T) {
	stats := &trackStats{}
	pkt := &rtp.Packet{
		Header:  rtp.Header{SequenceNumber: 1},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	stats.update(pkt)
	assert.Equal(t, uint64(pkt.MarshalSize()), stats.bytes)

	stats.update(pkt)
	assert.Equal(t, uint64(2*pkt.MarshalSize()), stats.bytes)
}
