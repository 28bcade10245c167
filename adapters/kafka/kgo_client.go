//go:build franz

package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

var errClientClosed = errors.New("kafka client closed")

type SASLConfig struct {
	Mechanism string // PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512
	Username  string
	Password  string
}

type Config struct {
	Brokers     []string
	TLS         *tls.Config
	SASL        *SASLConfig
	Acks        *kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression []kgo.CompressionCodec
	DialTimeout time.Duration
}

type kgoClient struct{ cl *kgo.Client }

func (c kgoClient) Produce(ctx context.Context, r Record) error {
	rec := &kgo.Record{Topic: r.Topic, Key: r.Key, Value: r.Value}
	if len(r.Headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(r.Headers))
		for k, v := range r.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return c.cl.ProduceSync(ctx, rec).FirstErr()
}

func (c kgoClient) AddTopics(topics ...string) { c.cl.AddConsumeTopics(topics...) }

func (c kgoClient) RemoveTopics(topics ...string) { c.cl.PurgeTopicsFromConsuming(topics...) }

func (c kgoClient) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, errClientClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Per-partition fetch errors are retried by the client.
	var out []Record

	fetches.EachRecord(func(r *kgo.Record) {
		headers := make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}

		out = append(out, Record{Topic: r.Topic, Key: r.Key, Value: r.Value, Headers: headers})
	})

	return out, nil
}

func (c kgoClient) Close() { c.cl.Close() }

func saslOpt(s *SASLConfig) (kgo.Opt, error) {
	switch strings.ToUpper(s.Mechanism) {
	case "PLAIN":
		return kgo.SASL(plain.Auth{User: s.Username, Pass: s.Password}.AsMechanism()), nil
	case "SCRAM-SHA-256":
		return kgo.SASL(scram.Auth{User: s.Username, Pass: s.Password}.AsSha256Mechanism()), nil
	case "SCRAM-SHA-512":
		return kgo.SASL(scram.Auth{User: s.Username, Pass: s.Password}.AsSha512Mechanism()), nil
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q: %w", s.Mechanism, berr.ErrInvalidOptions)
	}
}

func clientOpts(cfg Config) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if len(cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression...))
	}
	if !cfg.Idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if cfg.Acks != nil {
		opts = append(opts, kgo.RequiredAcks(*cfg.Acks))
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(cfg.DialTimeout))
	}
	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		o, err := saslOpt(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, o)
	}

	return opts, nil
}

// Dial returns a Dialer creating a fresh franz-go client per connection and pinging the cluster.
func Dial(cfg Config) Dialer {
	return func(ctx context.Context) (Client, error) {
		opts, err := clientOpts(cfg)
		if err != nil {
			return nil, err
		}

		cl, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("kafka client init: %w", err)
		}

		if err := cl.Ping(ctx); err != nil {
			cl.Close()
			return nil, err
		}

		return kgoClient{cl: cl}, nil
	}
}

// NewWithKgo builds a franz-go backed Transport. The returned cleanup closes it.
func NewWithKgo(cfg Config) (*Transport, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("kafka: brokers required: %w", berr.ErrInvalidOptions)
	}

	if _, err := clientOpts(cfg); err != nil {
		return nil, nil, err
	}

	t := New(Dial(cfg))
	cleanup := func() { _ = t.Close() }

	return t, cleanup, nil
}
