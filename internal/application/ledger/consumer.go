package ledger

// consumer.go — aplica fills del stream "executions" al ledger.
//
// El engine publica cada fill en el stream; este consumidor (grupo "ledger")
// los lee, aplica los clasificados LT con ApplyFill y hace Ack. Si ApplyFill
// falla la entrada queda pendiente y se re-entrega en la siguiente lectura,
// por delante de las nuevas y sin frenarlas; ApplyFill es idempotente por
// OrderID, así que re-entregar no duplica.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

const (
	ExecutionsStream = "executions"
	ConsumerGroup    = "ledger"
)

var errMalformed = errors.New("malformed execution entry")

// EncodeExecution serializa un fill como campos de stream.
func EncodeExecution(ev domain.ExecutionEvent) map[string]any {
	return map[string]any{
		"account":        ev.AccountID,
		"symbol":         ev.Symbol,
		"side":           string(ev.Side),
		"qty":            strconv.FormatInt(ev.FillQty, 10),
		"price":          strconv.FormatFloat(ev.FillPrice, 'f', -1, 64),
		"order_id":       ev.OrderID,
		"classification": string(ev.Classification),
		"filled_at":      ev.FilledAt.UTC().Format(time.RFC3339Nano),
	}
}

// DecodeExecution reconstruye un fill desde los campos del stream.
func DecodeExecution(fields map[string]string) (domain.ExecutionEvent, error) {
	ev := domain.ExecutionEvent{
		AccountID:      fields["account"],
		Symbol:         fields["symbol"],
		Side:           domain.Side(fields["side"]),
		OrderID:        fields["order_id"],
		Classification: domain.Classification(fields["classification"]),
	}
	if ev.Symbol == "" || ev.OrderID == "" {
		return ev, fmt.Errorf("%w: missing symbol or order_id", errMalformed)
	}
	if ev.Side != domain.SideBuy && ev.Side != domain.SideSell {
		return ev, fmt.Errorf("%w: side %q", errMalformed, ev.Side)
	}
	qty, err := strconv.ParseInt(fields["qty"], 10, 64)
	if err != nil {
		return ev, fmt.Errorf("%w: qty: %v", errMalformed, err)
	}
	ev.FillQty = qty
	if p, err := strconv.ParseFloat(fields["price"], 64); err == nil {
		ev.FillPrice = p
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["filled_at"]); err == nil {
		ev.FilledAt = t
	}
	return ev, nil
}

// FillConsumer lee el stream de ejecuciones y alimenta el ledger.
type FillConsumer struct {
	log      ports.EventLog
	store    *Store
	consumer string
	batch    int64
	block    time.Duration
}

// NewFillConsumer crea un consumidor con nombre dentro del grupo "ledger".
func NewFillConsumer(log ports.EventLog, store *Store, consumer string) *FillConsumer {
	return &FillConsumer{
		log:      log,
		store:    store,
		consumer: consumer,
		batch:    50,
		block:    2 * time.Second,
	}
}

// Run consume hasta que el contexto se cancele.
func (c *FillConsumer) Run(ctx context.Context) error {
	if err := c.log.EnsureGroup(ctx, ExecutionsStream, ConsumerGroup); err != nil {
		return fmt.Errorf("ledger.FillConsumer: ensure group: %w", err)
	}
	slog.Info("ledger: fill consumer started", "consumer", c.consumer)

	for {
		if ctx.Err() != nil {
			slog.Info("ledger: fill consumer stopped")
			return nil
		}
		if _, err := c.poll(ctx, c.block); err != nil && ctx.Err() == nil {
			slog.Warn("ledger: fill poll failed", "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// PollOnce procesa lo disponible sin bloquear y devuelve cuántos fills aplicó.
func (c *FillConsumer) PollOnce(ctx context.Context) (int, error) {
	if err := c.log.EnsureGroup(ctx, ExecutionsStream, ConsumerGroup); err != nil {
		return 0, fmt.Errorf("ledger.FillConsumer: ensure group: %w", err)
	}
	return c.poll(ctx, 0)
}

func (c *FillConsumer) poll(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := c.log.Read(ctx, ExecutionsStream, ConsumerGroup, c.consumer, c.batch, block)
	if err != nil {
		return 0, fmt.Errorf("ledger.FillConsumer: read: %w", err)
	}

	applied := 0
	var acks []string
	for _, m := range msgs {
		ev, err := DecodeExecution(m.Fields)
		if err != nil {
			// Una entrada corrupta nunca va a decodificar: se confirma para no bloquear el grupo.
			slog.Warn("ledger: dropping malformed execution", "id", m.ID, "err", err)
			acks = append(acks, m.ID)
			continue
		}
		ok, err := c.store.ApplyFill(ctx, ev)
		if err != nil {
			slog.Warn("ledger: fill pending",
				"id", m.ID,
				"symbol", ev.Symbol,
				"order_id", ev.OrderID,
				"err", err,
			)
			if errors.Is(err, domain.ErrInvalidQuantity) {
				acks = append(acks, m.ID)
			}
			continue
		}
		if ok {
			applied++
		}
		acks = append(acks, m.ID)
	}

	if len(acks) > 0 {
		if err := c.log.Ack(ctx, ExecutionsStream, ConsumerGroup, acks...); err != nil {
			return applied, fmt.Errorf("ledger.FillConsumer: ack: %w", err)
		}
	}
	return applied, nil
}
