package broker

import (
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Logical channel names (§4.1): tasks, agents, events, responses.
const (
	ChannelTasks     = "tasks"
	ChannelAgents    = "agents"
	ChannelEvents    = "events"
	ChannelResponses = "responses"
)

// StreamManager persists the four logical channels via JetStream so
// slow or reconnecting subscribers do not lose messages published
// while they were detached.
type StreamManager struct {
	js nats.JetStreamContext
}

// NewStreamManager creates a StreamManager bound to conn's JetStream
// context.
func NewStreamManager(conn *nats.Conn) (*StreamManager, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, err
	}
	return &StreamManager{js: js}, nil
}

// SetupStreams creates or updates the JetStream stream backing each
// logical channel.
func (sm *StreamManager) SetupStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:      "TASKS",
			Subjects:  []string{ChannelTasks},
			Storage:   nats.FileStorage,
			MaxAge:    24 * time.Hour,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      "AGENTS",
			Subjects:  []string{ChannelAgents},
			Storage:   nats.MemoryStorage,
			MaxAge:    5 * time.Minute,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      "EVENTS",
			Subjects:  []string{ChannelEvents},
			Storage:   nats.MemoryStorage,
			MaxAge:    1 * time.Hour,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      "RESPONSES",
			Subjects:  []string{ChannelResponses},
			Storage:   nats.FileStorage,
			MaxAge:    24 * time.Hour,
			Retention: nats.LimitsPolicy,
		},
	}

	for _, cfg := range streams {
		if err := sm.createOrUpdateStream(cfg); err != nil {
			return err
		}
	}

	log.Println("[BROKER-STREAMS] all channel streams configured")
	return nil
}

func (sm *StreamManager) createOrUpdateStream(cfg nats.StreamConfig) error {
	info, err := sm.js.StreamInfo(cfg.Name)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			log.Printf("[BROKER-STREAMS] creating stream %s with subjects %v", cfg.Name, cfg.Subjects)
			_, err := sm.js.AddStream(&cfg)
			return err
		}
		return err
	}

	log.Printf("[BROKER-STREAMS] stream %s exists (messages: %d), updating", cfg.Name, info.State.Msgs)
	_, err = sm.js.UpdateStream(&cfg)
	return err
}

// DeleteStream removes a stream by name.
func (sm *StreamManager) DeleteStream(name string) error {
	return sm.js.DeleteStream(name)
}
