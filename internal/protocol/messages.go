package protocol

import "time"

// UISignal is the per-tick avatar/waveform feed: current turn state plus
// the authoritative amplitude in [0,1]. Read-only broadcast; any number
// of UI consumers may subscribe.
type UISignal struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Amplitude float64   `json:"amplitude"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptEvent carries streamed text, user or assistant side.
type TranscriptEvent struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // user, assistant
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent reports lifecycle changes and user-facing errors.
// Persistent events require manual action; the rest are transient
// toasts.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Persistent bool      `json:"persistent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionEvent kinds.
const (
	EventReady        = "ready"
	EventConnected    = "connected"
	EventReconnecting = "reconnecting"
	EventError        = "error"
	EventGaveUp       = "gave_up"
	EventInactivity   = "inactivity"
	EventStopped      = "stopped"
)

const (
	SubjectUISignal          = "voice.ui.signal"
	SubjectTranscriptPartial = "voice.transcript.partial"
	SubjectTranscriptFinal   = "voice.transcript.final"
	SubjectSessionEvent      = "voice.session.event"

	SubjectFrontendAnnounce  = "ui.frontend.announce"
	SubjectFrontendHeartbeat = "ui.frontend.heartbeat"
)

// FrontendAnnouncement is sent by a UI consumer (avatar renderer,
// waveform visualizer) when it attaches to the bus, then repeated as a
// heartbeat.
type FrontendAnnouncement struct {
	FrontendID string    `json:"frontend_id"`
	Name       string    `json:"name"`
	Kinds      []string  `json:"kinds"` // subjects it consumes
	Timestamp  time.Time `json:"timestamp"`
}
