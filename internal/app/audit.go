/**
 * @description
 * Fire-and-forget audit publishing. State-changing operations hand an
 * AuditEvent to the dispatcher, which serializes and publishes it to the
 * platform event exchange from a worker pool. Recording never blocks and
 * never fails the business operation.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/corepay/ledger-service/internal/domain"
)

const (
	auditExchange   = "ledger.events"
	auditRoutingKey = "audit.created"
)

// Publisher is the slice of the message bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// AuditDispatcher fans audit events out to the bus from a bounded worker pool.
type AuditDispatcher struct {
	publisher Publisher
	events    chan domain.AuditEvent
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAuditDispatcher starts the worker pool. bufferSize bounds the number of
// events waiting for a worker before Record starts dropping.
func NewAuditDispatcher(publisher Publisher, workers, bufferSize int) *AuditDispatcher {
	if workers <= 0 {
		workers = 2
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	d := &AuditDispatcher{
		publisher: publisher,
		events:    make(chan domain.AuditEvent, bufferSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Record enqueues an event without blocking. When the buffer is full the
// event is dropped and logged; audit must never stall money movement.
func (d *AuditDispatcher) Record(event domain.AuditEvent) {
	select {
	case d.events <- event:
	default:
		log.Printf("level=warn component=audit msg=\"buffer full, event dropped\" action=%s entity_id=%s", event.Action, event.EntityID)
	}
}

// Close drains the queue and stops the workers.
func (d *AuditDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.events)
	})
	d.wg.Wait()
}

func (d *AuditDispatcher) worker() {
	defer d.wg.Done()
	for event := range d.events {
		body, err := json.Marshal(event)
		if err != nil {
			log.Printf("level=error component=audit msg=\"failed to serialize event\" action=%s error=%q", event.Action, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.publisher.Publish(ctx, auditExchange, auditRoutingKey, body); err != nil {
			log.Printf("level=error component=audit msg=\"failed to publish event\" action=%s error=%q", event.Action, err)
		}
		cancel()
	}
}
