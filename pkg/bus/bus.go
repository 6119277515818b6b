// Package bus distributes fragment frames from the session pipelines to the
// websocket forwarders over a watermill topic per session. The default
// transport is in-process; Redis Streams can be switched on so several relay
// instances share one stream per session.
package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// Settings selects and configures the transport.
type Settings struct {
	Enabled  bool   // use Redis Streams instead of in-process channels
	Addr     string // host:port
	Group    string // consumer group for the forwarders
	Consumer string // consumer name prefix, suffixed per session
}

// Topic names the fragment stream of one session.
func Topic(sessionID string) string {
	return "chat:" + sessionID
}

// Bus is a publisher plus a per-session subscriber factory.
type Bus struct {
	publisher message.Publisher
	memory    *gochannel.GoChannel
	settings  Settings
}

// New builds the bus. With Settings.Enabled false this is a process-local
// pubsub; otherwise publisher and subscribers speak Redis Streams.
func New(s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{publisher: pubsub, memory: pubsub, settings: s}, nil
	}
	pub, err := newRedisPublisher(s.Addr, logger)
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "bus").Str("addr", s.Addr).Str("group", s.Group).
		Msg("fragment bus on redis streams")
	return &Bus{publisher: pub, settings: s}, nil
}

// Publish sends one frame to the topic.
func (b *Bus) Publish(topic string, payload []byte) error {
	return b.publisher.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Subscriber returns the subscriber to read one session's topic, plus its
// teardown. In-memory buses hand out the shared pubsub; on Redis every
// session gets a dedicated group subscriber so forwarders in different
// processes split the stream without replaying history.
func (b *Bus) Subscriber(ctx context.Context, sessionID string) (message.Subscriber, func(), error) {
	if b.memory != nil {
		return b.memory, func() {}, nil
	}
	topic := Topic(sessionID)
	if err := EnsureGroupAtTail(ctx, b.settings.Addr, topic, b.settings.Group); err != nil {
		return nil, nil, err
	}
	sub, err := GroupSubscriber(b.settings.Addr, b.settings.Group, b.settings.Consumer+":"+sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sub, func() { _ = sub.Close() }, nil
}

// Close shuts the transport down.
func (b *Bus) Close() error {
	return b.publisher.Close()
}
