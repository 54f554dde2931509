// Package fixture provee una cartera y un mercado leídos de YAML, más un
// executor paper que rellena contra esa foto. Sirve para paper trading y
// para ejecutar el ciclo sin broker.
package fixture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

// Document es el formato del fichero.
type Document struct {
	Account   string        `yaml:"account"`
	Equity    float64       `yaml:"equity"`
	GrossPct  float64       `yaml:"gross_pct"` // 0 = calcular desde las posiciones
	Positions []PositionDoc `yaml:"positions"`
}

// PositionDoc es una línea del fichero: posición del broker + cotización.
// Qty 0 con cotización sirve para símbolos sin posición.
type PositionDoc struct {
	Symbol  string  `yaml:"symbol"`
	Qty     int64   `yaml:"qty"`
	AvgCost float64 `yaml:"avg_cost"`
	Bid     float64 `yaml:"bid"`
	Ask     float64 `yaml:"ask"`
	Truth   float64 `yaml:"truth"`
	ADV     float64 `yaml:"adv"`
}

// Book implementa ports.SnapshotProvider sobre un Document en memoria.
type Book struct {
	mu   sync.RWMutex
	path string
	doc  Document
	now  func() time.Time
}

var _ ports.SnapshotProvider = (*Book)(nil)

// Load lee el fichero YAML.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixture.Load: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("fixture.Load: %s: %w", path, err)
	}
	b.path = path
	return b, nil
}

// Parse construye un Book desde YAML.
func Parse(data []byte) (*Book, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fixture.Parse: %w", err)
	}
	seen := make(map[string]bool, len(doc.Positions))
	for _, p := range doc.Positions {
		if p.Symbol == "" {
			return nil, fmt.Errorf("fixture.Parse: position without symbol")
		}
		if seen[p.Symbol] {
			return nil, fmt.Errorf("fixture.Parse: duplicate symbol %s", p.Symbol)
		}
		seen[p.Symbol] = true
	}
	if doc.Equity <= 0 {
		return nil, fmt.Errorf("fixture.Parse: equity must be positive")
	}
	return &Book{doc: doc, now: time.Now}, nil
}

// Reload vuelve a leer el fichero de origen (si lo hay).
func (b *Book) Reload() error {
	if b.path == "" {
		return nil
	}
	fresh, err := Load(b.path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.doc = fresh.doc
	b.mu.Unlock()
	return nil
}

// Account devuelve la cuenta del fichero.
func (b *Book) Account() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.doc.Account
}

// Positions devuelve las posiciones no nulas.
func (b *Book) Positions(context.Context) ([]domain.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Position, 0, len(b.doc.Positions))
	for _, p := range b.doc.Positions {
		if p.Qty == 0 {
			continue
		}
		out = append(out, domain.Position{Symbol: p.Symbol, Qty: p.Qty, AvgCost: p.AvgCost})
	}
	return out, nil
}

// Quote devuelve la cotización del símbolo.
func (b *Book) Quote(_ context.Context, symbol string) (domain.MarketQuote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.find(symbol)
	if !ok || (p.Bid == 0 && p.Ask == 0) {
		return domain.MarketQuote{}, fmt.Errorf("fixture.Quote: %s: %w", symbol, domain.ErrMissingQuote)
	}
	return domain.MarketQuote{
		Symbol:         p.Symbol,
		Bid:            p.Bid,
		Ask:            p.Ask,
		TruthPrice:     p.Truth,
		AvgDailyVolume: p.ADV,
		Timestamp:      b.now(),
	}, nil
}

// Exposure devuelve el bruto declarado o, si no hay, Σ|qty|×mid / equity.
func (b *Book) Exposure(context.Context) (domain.Exposure, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	gross := b.doc.GrossPct
	if gross <= 0 {
		var notional float64
		for _, p := range b.doc.Positions {
			notional += math.Abs(float64(p.Qty)) * (p.Bid + p.Ask) / 2
		}
		gross = notional / b.doc.Equity * 100
	}
	return domain.Exposure{
		AccountID: b.doc.Account,
		GrossPct:  gross,
		Equity:    b.doc.Equity,
		AsOf:      b.now(),
	}, nil
}

// apply refleja un fill en la cartera. El coste medio solo cambia al
// aumentar; al cruzar cero se reinicia al precio del fill.
func (b *Book) apply(ev domain.ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delta := ev.SignedQty()
	for i := range b.doc.Positions {
		p := &b.doc.Positions[i]
		if p.Symbol != ev.Symbol {
			continue
		}
		before := p.Qty
		after := before + delta
		switch {
		case before == 0 || (before > 0) != (after > 0):
			p.AvgCost = ev.FillPrice
		case abs(after) > abs(before):
			p.AvgCost = (float64(abs(before))*p.AvgCost + float64(ev.FillQty)*ev.FillPrice) / float64(abs(after))
		}
		p.Qty = after
		if b.doc.GrossPct > 0 {
			// el bruto declarado ya no es válido tras operar
			b.doc.GrossPct = 0
		}
		return
	}
	slog.Warn("fixture: fill for unknown symbol", "symbol", ev.Symbol)
}

func (b *Book) find(symbol string) (PositionDoc, bool) {
	for _, p := range b.doc.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return PositionDoc{}, false
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
