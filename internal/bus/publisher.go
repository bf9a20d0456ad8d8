package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/PDHeisenberg/spark-voice/internal/protocol"
)

// Publisher broadcasts controller signals on the bus. Publishes are
// fire-and-forget; UI consumers are read-only and a slow one must never
// back-pressure the voice loop.
type Publisher struct {
	client *Client
	log    *slog.Logger
}

func NewPublisher(client *Client, log *slog.Logger) *Publisher {
	return &Publisher{client: client, log: log.With(slog.String("component", "bus-publisher"))}
}

func (p *Publisher) PublishUISignal(sig protocol.UISignal) {
	p.publish(protocol.SubjectUISignal, sig)
}

func (p *Publisher) PublishTranscript(ev protocol.TranscriptEvent) {
	subject := protocol.SubjectTranscriptPartial
	if ev.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	p.publish(subject, ev)
}

func (p *Publisher) PublishSessionEvent(ev protocol.SessionEvent) {
	p.publish(protocol.SubjectSessionEvent, ev)
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("failed to marshal bus payload",
			slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
