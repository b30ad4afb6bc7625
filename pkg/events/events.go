// Package events publishes listing change notifications to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
)

const RoutingListingUpdated = "listing.updated"

// ListingUpdated is emitted after an edit session persists its changes.
type ListingUpdated struct {
	ID           string                 `json:"id"`
	ListingID    string                 `json:"listingId"`
	EditorID     string                 `json:"editorId"`
	Changes      domain.RevisionChanges `json:"changes"`
	PrimaryImage string                 `json:"primaryImage,omitempty"`
	ImageCount   int                    `json:"imageCount"`
	OccurredAt   time.Time              `json:"occurredAt"`
}

// NewListingUpdated builds the event for a freshly persisted listing.
func NewListingUpdated(listing domain.Listing, editorID string, changes domain.RevisionChanges) ListingUpdated {
	ev := ListingUpdated{
		ID:         util.NewID(),
		ListingID:  listing.ID,
		EditorID:   editorID,
		Changes:    changes,
		ImageCount: len(listing.Images),
		OccurredAt: time.Now().UTC(),
	}
	for _, img := range listing.Images {
		if img.IsPrimary {
			ev.PrimaryImage = img.URL
			break
		}
	}
	return ev
}

type Publisher interface {
	PublishListingUpdated(ctx context.Context, ev ListingUpdated) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishListingUpdated(context.Context, ListingUpdated) error { return nil }
func (NopPublisher) Close() error                                                { return nil }

type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPPublisher publishes JSON events to a durable topic exchange.
type AMQPPublisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "autosouq.listings"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) PublishListingUpdated(ctx context.Context, ev ListingUpdated) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, RoutingListingUpdated, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         RoutingListingUpdated,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	return errors.Join(chErr, connErr)
}
