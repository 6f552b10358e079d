package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
)

const (
	defaultPresenceTTL   = 90 * time.Second
	presenceEventsBuffer = 64
)

var (
	// ErrSubscriptionClosed is reported when the pub/sub stream ends without Close being called.
	ErrSubscriptionClosed = errors.New("presence channel: subscription closed by server")
	// ErrSubscriptionOverflow is reported when the reader fell behind and events were lost. The
	// caller should resubscribe to get a fresh snapshot.
	ErrSubscriptionOverflow = errors.New("presence channel: reader fell behind, events lost")
)

// PresenceChannel implements port.PresenceChannel on Redis: room membership lives in a hash
// keyed by principal, and joins and leaves are published on the room's pub/sub channel.
type PresenceChannel struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ port.PresenceChannel = (*PresenceChannel)(nil)

// NewPresenceChannel constructs a channel provider. ttl bounds how long a silent participant
// stays in the room hash; it should exceed the heartbeat interval.
func NewPresenceChannel(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *PresenceChannel {
	if prefix == "" {
		prefix = "presence"
	}
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceChannel{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Subscribe joins the room channel and delivers the current membership as the first event.
func (p *PresenceChannel) Subscribe(ctx context.Context, room string) (port.PresenceSubscription, error) {
	channel := domain.PresenceChannelName(room)
	ps := p.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	records, err := p.members(ctx, room)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &presenceSubscription{
		provider: p,
		room:     room,
		channel:  channel,
		ps:       ps,
		events:   make(chan domain.PresenceEvent, presenceEventsBuffer),
		done:     make(chan struct{}),
	}
	sub.events <- domain.PresenceEvent{Type: domain.PresenceSync, Room: room, Records: records}
	go sub.pump()
	return sub, nil
}

func (p *PresenceChannel) hashKey(room string) string {
	return p.prefix + ":" + room
}

func (p *PresenceChannel) members(ctx context.Context, room string) ([]domain.PresenceRecord, error) {
	values, err := p.client.HGetAll(ctx, p.hashKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall presence: %w", err)
	}
	cutoff := time.Now().Add(-p.ttl)
	records := make([]domain.PresenceRecord, 0, len(values))
	for principal, raw := range values {
		var rec domain.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			p.logger.Debug("skipping undecodable presence entry", zap.String("room", room), zap.String("principal_id", principal), zap.Error(err))
			continue
		}
		if !rec.LastSeen.IsZero() && rec.LastSeen.Before(cutoff) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

type presenceSubscription struct {
	provider *PresenceChannel
	room     string
	channel  string
	ps       *redis.PubSub
	events   chan domain.PresenceEvent
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *presenceSubscription) Events() <-chan domain.PresenceEvent {
	return s.events
}

func (s *presenceSubscription) pump() {
	defer close(s.events)
	messages := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				s.setErr(ErrSubscriptionClosed)
				return
			}
			var ev domain.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.provider.logger.Debug("dropping undecodable presence event", zap.String("channel", s.channel), zap.Error(err))
				continue
			}
			select {
			case s.events <- ev:
			default:
				s.provider.logger.Warn("presence events buffer full, ending subscription",
					zap.String("channel", s.channel),
					zap.String("dropped_type", string(ev.Type)),
				)
				s.setErr(ErrSubscriptionOverflow)
				return
			}
		}
	}
}

func (s *presenceSubscription) Track(ctx context.Context, record domain.PresenceRecord) error {
	if s.isClosed() {
		return ErrSubscriptionClosed
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	event, err := json.Marshal(domain.PresenceEvent{Type: domain.PresenceJoin, Room: s.room, Records: []domain.PresenceRecord{record}})
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}

	key := s.provider.hashKey(s.room)
	_, err = s.provider.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, record.PrincipalID, payload)
		pipe.PExpire(ctx, key, s.provider.ttl)
		pipe.Publish(ctx, s.channel, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis track presence: %w", err)
	}
	return nil
}

func (s *presenceSubscription) Untrack(ctx context.Context, principalID string) error {
	event, err := json.Marshal(domain.PresenceEvent{
		Type:    domain.PresenceLeave,
		Room:    s.room,
		Records: []domain.PresenceRecord{{PrincipalID: principalID}},
	})
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}

	_, err = s.provider.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.provider.hashKey(s.room), principalID)
		pipe.Publish(ctx, s.channel, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis untrack presence: %w", err)
	}
	return nil
}

func (s *presenceSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *presenceSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.ps.Close()
}

func (s *presenceSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.err = err
	}
}

func (s *presenceSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
