package transport

import (
	"encoding/base64"
	"fmt"

	"github.com/PDHeisenberg/spark-voice/internal/pcm"
)

// bufferedCodec speaks the chunked TTS-buffer schema: 16 kHz, audio
// arrives as base64 fragments between tts_start and audio_done that must
// be joined at the byte level and decoded as a single unit. A fragment
// may split a sample in half, so decoding fragments independently would
// misread the stream.
type bufferedCodec struct {
	fragments []byte
}

func newBufferedCodec() *bufferedCodec { return &bufferedCodec{} }

func (*bufferedCodec) Variant() string        { return "buffered" }
func (*bufferedCodec) SampleRate() int        { return 16000 }
func (*bufferedCodec) WantsPlaybackAck() bool { return true }

func (*bufferedCodec) EncodeFrame(samples []float64) ([]byte, error) {
	return marshalControl(controlAudio, map[string]any{"data": pcm.Encode(samples)})
}

func (*bufferedCodec) EncodeControl(name string, fields map[string]any) ([]byte, error) {
	return marshalControl(name, fields)
}

func (c *bufferedCodec) Decode(raw []byte) ([]Message, error) {
	name, fields, err := unmarshalFrame(raw)
	if err != nil {
		return nil, err
	}
	switch name {
	case ControlTTSStart:
		c.fragments = nil
		return []Message{controlMessage(name, fields)}, nil

	case controlAudioChunk:
		text, ok := audioPayload(fields)
		if !ok {
			return nil, fmt.Errorf("%w: audio_chunk without payload", ErrMalformedFrame)
		}
		chunk, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		c.fragments = append(c.fragments, chunk...)
		return nil, nil

	case ControlAudioDone:
		msgs := make([]Message, 0, 2)
		if len(c.fragments) > 0 {
			msgs = append(msgs, audioMessage(c.fragments))
			c.fragments = nil
		}
		return append(msgs, controlMessage(name, fields)), nil

	case controlAudio:
		// Some backend builds send the whole buffer in one frame.
		data, err := decodeAudioField(fields)
		if err != nil {
			return nil, err
		}
		return []Message{audioMessage(data)}, nil

	default:
		return []Message{controlMessage(name, fields)}, nil
	}
}
