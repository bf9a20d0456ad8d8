package transport

import (
	"github.com/PDHeisenberg/spark-voice/internal/pcm"
)

// realtimeCodec speaks the direct PCM-delta schema: 24 kHz, every
// audio_delta frame is a self-contained payload decoded on arrival.
type realtimeCodec struct{}

func newRealtimeCodec() *realtimeCodec { return &realtimeCodec{} }

func (*realtimeCodec) Variant() string        { return "realtime" }
func (*realtimeCodec) SampleRate() int        { return 24000 }
func (*realtimeCodec) WantsPlaybackAck() bool { return false }

func (*realtimeCodec) EncodeFrame(samples []float64) ([]byte, error) {
	return marshalControl(controlAudio, map[string]any{"data": pcm.Encode(samples)})
}

func (*realtimeCodec) EncodeControl(name string, fields map[string]any) ([]byte, error) {
	return marshalControl(name, fields)
}

func (*realtimeCodec) Decode(raw []byte) ([]Message, error) {
	name, fields, err := unmarshalFrame(raw)
	if err != nil {
		return nil, err
	}
	switch name {
	case controlAudio, controlAudioDelta:
		data, err := decodeAudioField(fields)
		if err != nil {
			return nil, err
		}
		return []Message{audioMessage(data)}, nil
	default:
		return []Message{controlMessage(name, fields)}, nil
	}
}
