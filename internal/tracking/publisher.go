package tracking

import (
	"context"
	"log"

	"github.com/scenescape/tracker/internal/codec"
	"github.com/scenescape/tracker/internal/model"
)

// brokerPublisher is the subset of broker.Client the Publisher depends
// on, so tests can substitute a fake without a real MQTT connection.
type brokerPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Publisher encodes a TrackSet and hands it to the broker client. It is
// a named boundary, not its own thread (spec §4.6): every Worker calls
// it synchronously and inline. The publish-count metric is emitted by
// ObservabilityContext.Finalize, once per batch that contributed to the
// TrackSet, not here — Publish can be called once for a chunk aggregating
// several camera batches, and double-counting the metric at both sites
// would inflate it.
type Publisher struct {
	codec  *codec.MessageCodec
	broker brokerPublisher
}

func NewPublisher(msgCodec *codec.MessageCodec, brokerClient brokerPublisher) *Publisher {
	return &Publisher{codec: msgCodec, broker: brokerClient}
}

func (p *Publisher) Publish(ctx context.Context, topic string, ts model.TrackSet, traceHeaders map[string]string) error {
	payload, err := p.codec.EncodeWithTrace(ts, traceHeaders)
	if err != nil {
		// Our own encoder rejecting its own output is a programming error,
		// not a recoverable drop: terminate with a non-zero exit.
		log.Fatalf("tracking: encode track set: %v", err)
	}

	return p.broker.Publish(ctx, topic, payload)
}
