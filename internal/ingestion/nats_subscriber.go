package ingestion

import (
	"context"
	"fmt"
	"time"

	"LubaLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "LUBA_COMMANDS"
	EventStream   = "LUBA_EVENTS"
)

// NATSSubscriber subscribes to JetStream command subjects and feeds them to
// the dispatcher. Commands arrive from a trusted relay that has already
// authenticated the caller.
type NATSSubscriber struct {
	js        jetstream.JetStream
	cmdChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawCommand is an unparsed command message. The dispatcher acks it once
// the outcome is final and naks it when a retry could succeed.
type RawCommand struct {
	Subject   string
	Command   string
	MsgID     string // Nats-Msg-Id header, the default idempotency key
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
	TermFunc  func() // poison message, never redeliver
}

// SubjectConfig maps a NATS subject to a command.
type SubjectConfig struct {
	Subject      string
	Command      string
	ConsumerName string
}

// DefaultSubjects returns one subject per write command.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "luba.commands.auctions.start", Command: "start_auction", ConsumerName: "ledger-auction-start"},
		{Subject: "luba.commands.auctions.close", Command: "close_auction", ConsumerName: "ledger-auction-close"},
		{Subject: "luba.commands.auctions.settle", Command: "withdraw_bid_pool", ConsumerName: "ledger-auction-settle"},
		{Subject: "luba.commands.bids.place", Command: "place_bid", ConsumerName: "ledger-bids"},
		{Subject: "luba.commands.balance.deposit", Command: "add_balance", ConsumerName: "ledger-deposits"},
		{Subject: "luba.commands.balance.withdraw", Command: "withdraw_balance", ConsumerName: "ledger-withdrawals"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, cmdChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		cmdChan: cmdChan,
		logger:  observability.NewLogger("ingestion"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Command:   cfg.Command,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}
			if h := msg.Headers(); h != nil {
				raw.MsgID = h.Get(nats.MsgIdHdr)
			}

			select {
			case ns.cmdChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h. The command
// stream's duplicate window dedups relay retries by Nats-Msg-Id.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("ingestion")
	streams := []jetstream.StreamConfig{
		{
			Name:       CommandStream,
			Subjects:   []string{"luba.commands.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{"luba.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
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
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("ingestion")
	nc, err := nats.Connect(url,
		nats.Name("lubaledger"),
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
