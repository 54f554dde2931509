// Package redisbus implementa EventLog y StateStore sobre Redis:
// streams + consumer groups para eventos, hashes con TTL para gauges.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/alejandrodnm/prefbot/internal/ports"
)

// Options configura la conexión.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // p.ej. "prefbot:"
	MaxLen    int64  // XADD MAXLEN ~; 0 = sin recorte
}

// Bus es el adaptador Redis. Las escrituras pasan por un circuit breaker:
// con Redis caído se falla rápido en lugar de bloquear el ciclo.
type Bus struct {
	client  *redis.Client
	prefix  string
	maxLen  int64
	breaker *gobreaker.CircuitBreaker
}

var (
	_ ports.EventLog   = (*Bus)(nil)
	_ ports.StateStore = (*Bus)(nil)
)

// New abre un cliente Redis con pool y timeouts acotados.
func New(opts Options) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
	b := NewWithClient(client, opts.KeyPrefix)
	b.maxLen = opts.MaxLen
	return b
}

// NewWithClient envuelve un cliente existente (tests, redismock).
func NewWithClient(client *redis.Client, prefix string) *Bus {
	st := gobreaker.Settings{
		Name:     "redis",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("redis: breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Bus{client: client, prefix: prefix, breaker: gobreaker.NewCircuitBreaker(st)}
}

// Ping comprueba la conexión.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisbus.Ping: %w", err)
	}
	return nil
}

// Close cierra el cliente.
func (b *Bus) Close() error {
	return b.client.Close()
}

func (b *Bus) key(name string) string {
	return b.prefix + name
}

// Append añade una entrada al stream (XADD *).
func (b *Bus) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.key(stream),
			MaxLen: b.maxLen,
			Approx: b.maxLen > 0,
			Values: flatten(fields),
		}).Result()
	})
	if err != nil {
		return "", fmt.Errorf("redisbus.Append: %s: %w", stream, err)
	}
	return out.(string), nil
}

// EnsureGroup crea el grupo desde el principio del stream; BUSYGROUP no es error.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.key(stream), group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisbus.EnsureGroup: %s/%s: %w", stream, group, err)
	}
	return nil
}

// Read entrega las pendientes del consumidor ("0") seguidas de entradas
// nuevas (">"). Una pendiente que nunca se confirma no debe tapar el resto
// del stream, así que las nuevas se leen siempre; sólo se bloquea si no hay
// pendientes. block <= 0 no bloquea.
func (b *Bus) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]ports.Message, error) {
	pending, err := b.read(ctx, stream, group, consumer, "0", count, -1)
	if err != nil {
		return nil, err
	}
	if block <= 0 || len(pending) > 0 {
		block = -1
	}
	fresh, err := b.read(ctx, stream, group, consumer, ">", count, block)
	if err != nil {
		return nil, err
	}
	return append(pending, fresh...), nil
}

func (b *Bus) read(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]ports.Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{b.key(stream), start},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisbus.Read: %s %s: %w", stream, start, err)
	}

	var out []ports.Message
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprint(v)
			}
			out = append(out, ports.Message{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

// Ack confirma entradas (XACK).
func (b *Bus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, b.key(stream), group, ids...).Err(); err != nil {
		return fmt.Errorf("redisbus.Ack: %s: %w", stream, err)
	}
	return nil
}

// Set reemplaza el hash completo en una transacción (DEL + HSET + EXPIRE).
func (b *Bus) Set(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	k := b.key(key)
	_, err := b.breaker.Execute(func() (any, error) {
		return b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			pipe.HSet(ctx, k, flatten(fields)...)
			if ttl > 0 {
				pipe.Expire(ctx, k, ttl)
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("redisbus.Set: %s: %w", key, err)
	}
	return nil
}

// Get devuelve el hash; vacío si la clave no existe o expiró.
func (b *Bus) Get(ctx context.Context, key string) (map[string]string, error) {
	m, err := b.client.HGetAll(ctx, b.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbus.Get: %s: %w", key, err)
	}
	return m, nil
}

// Delete borra la clave.
func (b *Bus) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("redisbus.Delete: %s: %w", key, err)
	}
	return nil
}

// flatten convierte el mapa en pares k, v ordenados por clave: el orden de
// los argumentos queda estable.
func flatten(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		out = append(out, k, fields[k])
	}
	return out
}
