package ports

import (
	"context"
	"time"
)

// Message es una entrada leída de un stream.
type Message struct {
	ID     string
	Fields map[string]string
}

// EventLog es un log append-only con semántica de consumer groups.
// Las entradas no confirmadas (Ack) se vuelven a entregar: los handlers
// deben ser idempotentes.
type EventLog interface {
	// Append añade una entrada y devuelve su ID.
	Append(ctx context.Context, stream string, fields map[string]any) (string, error)

	// EnsureGroup crea el consumer group si no existe (idempotente).
	EnsureGroup(ctx context.Context, stream, group string) error

	// Read lee hasta count entradas para el consumidor. Primero re-entrega las
	// pendientes del consumidor; block = 0 no bloquea.
	Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack confirma entradas procesadas.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// StateStore guarda el último valor de una clave (gauge, last-value-wins).
type StateStore interface {
	// Set reemplaza los campos de key; ttl = 0 no expira.
	Set(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error

	// Get devuelve los campos de key; un mapa vacío si no existe.
	Get(ctx context.Context, key string) (map[string]string, error)

	Delete(ctx context.Context, key string) error
}
