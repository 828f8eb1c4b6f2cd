package ingestion

import (
	"StakeLedger/internal/event"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// CommandStream holds every inbound command subject.
	CommandStream = "STAKE_COMMANDS"

	commandSubjectPrefix = "stake.commands."
)

// NATSSubscriber subscribes to JetStream command subjects and feeds raw
// commands to the shell, which parses them and submits them to the core.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawCommand is a received-but-unparsed command.
type RawCommand struct {
	Subject     string
	CommandType event.CommandType
	Data        []byte
	Timestamp   time.Time
	AckFunc     func() // ACK after the command is committed or rejected for good
	NakFunc     func() // NAK on transient failure (redelivered)
}

// SubjectConfig maps one JetStream subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  event.CommandType
	ConsumerName string
	StreamName   string
}

// CommandSubject returns the inbound subject for a command type, for example
// stake.commands.deposit_batch.
func CommandSubject(ct event.CommandType) string {
	return commandSubjectPrefix + ct.Subject()
}

// CommandTypeFromSubject resolves the command type of an inbound subject.
// Trailing tokens after the type are ignored so producers can shard by
// account (stake.commands.deposit.0xabc...).
func CommandTypeFromSubject(subject string) (event.CommandType, bool) {
	rest, ok := strings.CutPrefix(subject, commandSubjectPrefix)
	if !ok {
		return event.CommandTypeUnknown, false
	}
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	return event.ParseCommandType(rest)
}

// DefaultSubjects returns one durable consumer per command type.
func DefaultSubjects() []SubjectConfig {
	subjects := make([]SubjectConfig, 0, len(event.AllCommandTypes))
	for _, ct := range event.AllCommandTypes {
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubject(ct) + ".>",
			CommandType:  ct,
			ConsumerName: "ledger-" + strings.ReplaceAll(ct.Subject(), "_", "-"),
			StreamName:   CommandStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		ct := cfg.CommandType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:     msg.Subject(),
				CommandType: ct,
				Data:        msg.Data(),
				Timestamp:   time.Now(),
				AckFunc:     func() { msg.Ack() },
				NakFunc:     func() { msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{commandSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("stakeledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
