package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame marks wire payloads the codec cannot parse. The
// session logs and drops these; they never reach the controller.
var ErrMalformedFrame = errors.New("transport: malformed wire frame")

// ErrUnknownVariant is returned by NewCodec for variant names outside
// realtime/buffered.
var ErrUnknownVariant = errors.New("transport: unknown wire variant")

// Codec translates between the normalized Message union and one wire
// schema variant. A codec is fixed at session construction; there is no
// mid-session switching. The buffered codec is stateful (fragment
// assembly) and is only ever driven from the session's read loop.
type Codec interface {
	// Variant names the wire schema, realtime or buffered.
	Variant() string
	// SampleRate is the PCM rate this variant speaks, both directions.
	SampleRate() int
	// WantsPlaybackAck reports whether the backend paces its next audio
	// chunk on an audio_playback_ended control from us.
	WantsPlaybackAck() bool

	EncodeFrame(samples []float64) ([]byte, error)
	EncodeControl(name string, fields map[string]any) ([]byte, error)
	// Decode parses one wire payload into zero or more normalized
	// messages. Zero is normal for the buffered variant while it is
	// accumulating audio fragments.
	Decode(raw []byte) ([]Message, error)
}

// NewCodec builds the codec for a configured variant name.
func NewCodec(variant string) (Codec, error) {
	switch variant {
	case "realtime":
		return newRealtimeCodec(), nil
	case "buffered":
		return newBufferedCodec(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
}

func marshalControl(name string, fields map[string]any) ([]byte, error) {
	frame := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = name
	return json.Marshal(frame)
}

func unmarshalFrame(raw []byte) (string, map[string]any, error) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	name, ok := frame["type"].(string)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	delete(frame, "type")
	return name, frame, nil
}

// audioPayload pulls the base64 audio out of a decoded frame, trying the
// field names the backends have used for it.
func audioPayload(fields map[string]any) (string, bool) {
	for _, key := range []string{"data", "delta", "audio", "audio_base_64"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func decodeAudioField(fields map[string]any) ([]byte, error) {
	text, ok := audioPayload(fields)
	if !ok {
		return nil, fmt.Errorf("%w: audio frame without payload", ErrMalformedFrame)
	}
	pcm, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return pcm, nil
}
