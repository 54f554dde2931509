package membus

// bus.go — event log + state store en memoria.
//
// Misma semántica que el adaptador Redis: consumer groups con entradas
// pendientes por consumidor (se re-entregan hasta el Ack) y claves
// last-value-wins con TTL. Se usa en -dry-run y en tests.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/prefbot/internal/ports"
)

type group struct {
	next    int                        // índice de la siguiente entrada nueva
	pending map[string]map[string]bool // consumer → ids sin ack
}

type stream struct {
	entries []ports.Message
	index   map[string]int
	groups  map[string]*group
}

type value struct {
	fields  map[string]string
	expires time.Time
}

// Bus implementa ports.EventLog y ports.StateStore.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
	state   map[string]value
	seq     uint64
	wake    chan struct{}
	now     func() time.Time
}

// New crea un Bus vacío.
func New() *Bus {
	return &Bus{
		streams: make(map[string]*stream),
		state:   make(map[string]value),
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

func (b *Bus) stream(name string) *stream {
	s, ok := b.streams[name]
	if !ok {
		s = &stream{index: make(map[string]int), groups: make(map[string]*group)}
		b.streams[name] = s
	}
	return s
}

// Append añade una entrada al stream.
func (b *Bus) Append(_ context.Context, name string, fields map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := fmt.Sprintf("%d-%d", b.now().UnixMilli(), b.seq)
	s := b.stream(name)
	s.index[id] = len(s.entries)
	s.entries = append(s.entries, ports.Message{ID: id, Fields: stringify(fields)})

	close(b.wake)
	b.wake = make(chan struct{})
	return id, nil
}

// EnsureGroup crea el grupo desde el principio del stream; si ya existe no hace nada.
func (b *Bus) EnsureGroup(_ context.Context, name, groupName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(name)
	if _, ok := s.groups[groupName]; !ok {
		s.groups[groupName] = &group{pending: make(map[string]map[string]bool)}
	}
	return nil
}

// Read entrega las pendientes del consumidor seguidas de entradas nuevas.
func (b *Bus) Read(ctx context.Context, name, groupName, consumer string, count int64, block time.Duration) ([]ports.Message, error) {
	var deadline <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		msgs, err := b.readLocked(name, groupName, consumer, count)
		wake := b.wake
		b.mu.Unlock()

		if err != nil || len(msgs) > 0 || block <= 0 {
			return msgs, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (b *Bus) readLocked(name, groupName, consumer string, count int64) ([]ports.Message, error) {
	s, ok := b.streams[name]
	if !ok {
		return nil, fmt.Errorf("membus.Read: stream %q: no such group %q", name, groupName)
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("membus.Read: stream %q: no such group %q", name, groupName)
	}
	if count <= 0 {
		count = 10
	}

	var out []ports.Message
	if pend := g.pending[consumer]; len(pend) > 0 {
		for _, e := range s.entries {
			if pend[e.ID] {
				out = append(out, e)
				if int64(len(out)) == count {
					break
				}
			}
		}
	}

	// Las nuevas van detrás de las pendientes: una pendiente sin confirmar
	// no frena el resto del stream.
	for fresh := int64(0); g.next < len(s.entries) && fresh < count; fresh++ {
		e := s.entries[g.next]
		g.next++
		if g.pending[consumer] == nil {
			g.pending[consumer] = make(map[string]bool)
		}
		g.pending[consumer][e.ID] = true
		out = append(out, e)
	}
	return out, nil
}

// Ack confirma entradas del grupo.
func (b *Bus) Ack(_ context.Context, name, groupName string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[name]
	if !ok {
		return nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}
	for _, pend := range g.pending {
		for _, id := range ids {
			delete(pend, id)
		}
	}
	return nil
}

// Len devuelve el número de entradas de un stream.
func (b *Bus) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return len(s.entries)
	}
	return 0
}

// Entries devuelve una copia de las entradas de un stream.
func (b *Bus) Entries(name string) []ports.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		return nil
	}
	return append([]ports.Message(nil), s.entries...)
}

// Set reemplaza los campos de la clave.
func (b *Bus) Set(_ context.Context, key string, fields map[string]any, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := value{fields: stringify(fields)}
	if ttl > 0 {
		v.expires = b.now().Add(ttl)
	}
	b.state[key] = v
	return nil
}

// Get devuelve los campos de la clave o un mapa vacío.
func (b *Bus) Get(_ context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.state[key]
	if !ok || (!v.expires.IsZero() && b.now().After(v.expires)) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(v.fields))
	for k, f := range v.fields {
		out[k] = f
	}
	return out, nil
}

// Delete borra la clave.
func (b *Bus) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, key)
	return nil
}

// SetClock sustituye el reloj (tests).
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func stringify(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = fmt.Sprint(v)
	}
	return out
}
