// Package transport owns the websocket connection to the backend voice
// endpoint. It normalizes the two wire schema variants into one message
// union and supervises reconnection with linear backoff.
package transport

// Kind discriminates the two message shapes crossing the session boundary.
type Kind int

const (
	KindAudio Kind = iota
	KindControl
)

// Control names observed across both wire variants. The controller
// switches on these; unknown names pass through and are ignored there.
const (
	ControlReady             = "ready"
	ControlTranscript        = "transcript"
	ControlInterim           = "interim"
	ControlText              = "text"
	ControlTextDelta         = "text_delta"
	ControlAgentResponse     = "agent_response"
	ControlInterruption      = "interruption"
	ControlToolCall          = "tool_call"
	ControlUserSpeaking      = "user_speaking"
	ControlUserStopped       = "user_stopped"
	ControlProcessing        = "processing"
	ControlTTSStart          = "tts_start"
	ControlAudioDone         = "audio_done"
	ControlDone              = "done"
	ControlError             = "error"
	ControlDisconnected      = "disconnected"
	ControlConversationEnded = "conversation_ended"
	ControlSessionEnded      = "session_ended"

	controlAudio      = "audio"
	controlAudioDelta = "audio_delta"
	controlAudioChunk = "audio_chunk"

	// Outgoing only.
	ControlEnd           = "end"
	ControlStop          = "stop"
	ControlPlaybackEnded = "audio_playback_ended"
)

// Message is the normalized union delivered to the controller. Audio
// messages carry raw little-endian PCM16 bytes, already base64-decoded
// and, for the buffered variant, already joined across fragments.
type Message struct {
	Kind   Kind
	Audio  []byte
	Name   string
	Fields map[string]any
}

// Text returns the message's text payload, checking the field names the
// two variants use, empty string when absent.
func (m Message) Text() string {
	for _, key := range []string{"text", "content", "message"} {
		if v, ok := m.Fields[key].(string); ok {
			return v
		}
	}
	return ""
}

// endControl names the goodbye control each variant expects on an
// intentional close.
func endControl(variant string) string {
	if variant == "buffered" {
		return ControlStop
	}
	return ControlEnd
}

func controlMessage(name string, fields map[string]any) Message {
	return Message{Kind: KindControl, Name: name, Fields: fields}
}

func audioMessage(pcm []byte) Message {
	return Message{Kind: KindAudio, Audio: pcm}
}
