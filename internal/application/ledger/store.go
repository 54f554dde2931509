package ledger

// store.go — InternalLedgerStore.
//
// Solo se guarda lt_qty_raw por (cuenta, símbolo); MM siempre se deriva como
// broker_net − lt. Toda mutación de una cuenta pasa por un mutex de cuenta
// (no de símbolo: finalize_day y add_trade tocan la misma estructura) y
// termina en un compare-and-swap contra el storage. Un conflicto de versión
// o un fallo de escritura recarga y reintenta con backoff acotado; agotados
// los reintentos se devuelve ErrReconciliationPending.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

// ErrReconciliationPending: la escritura no se pudo aplicar tras los reintentos.
// El símbolo queda pendiente hasta el siguiente fill re-entregado o finalize_day.
var ErrReconciliationPending = errors.New("reconciliation pending")

// Config controla los reintentos de persistencia.
type Config struct {
	MaxRetries    int
	BaseRetryWait time.Duration
}

// DefaultConfig: 3 reintentos, 100ms de base.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseRetryWait: 100 * time.Millisecond}
}

// Store es el ledger interno LT.
type Store struct {
	storage ports.LedgerStorage
	cfg     Config
	metrics ports.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New crea un Store sobre el storage dado.
func New(storage ports.LedgerStorage, cfg Config, metrics ports.Metrics) *Store {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Store{
		storage: storage,
		cfg:     cfg,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock toma el mutex de la cuenta y devuelve la función de liberación.
func (s *Store) lock(accountID string) func() {
	s.mu.Lock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// mutate ejecuta reload → fn → CAS bajo el lock de la cuenta, con reintentos.
// fn se vuelve a llamar en cada intento con las entradas recién leídas.
func (s *Store) mutate(ctx context.Context, accountID string, fn func(map[string]domain.LedgerEntry) (ports.LedgerChange, error)) error {
	unlock := s.lock(accountID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, attempt-1); err != nil {
				return fmt.Errorf("ledger: account %s: %w", accountID, err)
			}
		}

		entries, err := s.storage.LoadAccount(ctx, accountID)
		if err != nil {
			lastErr = err
			continue
		}

		change, err := fn(entries)
		if err != nil {
			return err
		}
		if len(change.Upserts) == 0 && len(change.Deletes) == 0 && len(change.FillIDs) == 0 {
			return nil
		}
		change.AccountID = accountID

		err = s.storage.ApplyChange(ctx, change)
		if err == nil {
			return nil
		}
		if errors.Is(err, ports.ErrFillAlreadyApplied) {
			return err
		}
		lastErr = err
		slog.Warn("ledger: write failed, retrying",
			"account", accountID,
			"attempt", attempt+1,
			"err", err,
		)
	}
	return fmt.Errorf("ledger: account %s after %d retries: %w: %w", accountID, s.cfg.MaxRetries, ErrReconciliationPending, lastErr)
}

// sleep espera con backoff exponencial respetando el contexto.
func (s *Store) sleep(ctx context.Context, attempt int) error {
	wait := time.Duration(math.Pow(2, float64(attempt))) * s.cfg.BaseRetryWait
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stage añade al cambio lo necesario para dejar symbol en qty.
func stage(change *ports.LedgerChange, entries map[string]domain.LedgerEntry, symbol string, qty int64) {
	e, ok := entries[symbol]
	switch {
	case ok && e.LTQtyRaw == qty:
	case qty == 0:
		if ok {
			change.Deletes = append(change.Deletes, e)
		}
	default:
		change.Upserts = append(change.Upserts, domain.LedgerEntry{
			AccountID: e.AccountID,
			Symbol:    symbol,
			LTQtyRaw:  qty,
			Version:   e.Version,
		})
	}
}

// Get devuelve lt_qty_raw del símbolo (0 si no hay entrada).
func (s *Store) Get(ctx context.Context, accountID, symbol string) (int64, error) {
	entries, err := s.storage.LoadAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("ledger.Get: %w", err)
	}
	return entries[symbol].LTQtyRaw, nil
}

// Snapshot devuelve lt_qty_raw de todos los símbolos de la cuenta.
func (s *Store) Snapshot(ctx context.Context, accountID string) (map[string]int64, error) {
	entries, err := s.storage.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger.Snapshot: %w", err)
	}
	out := make(map[string]int64, len(entries))
	for sym, e := range entries {
		out[sym] = e.LTQtyRaw
	}
	return out, nil
}

// Set fija lt_qty_raw de forma absoluta. qty 0 borra la entrada.
func (s *Store) Set(ctx context.Context, accountID, symbol string, qty int64) error {
	if symbol == "" {
		return fmt.Errorf("ledger.Set: empty symbol: %w", domain.ErrInvalidQuantity)
	}
	return s.mutate(ctx, accountID, func(entries map[string]domain.LedgerEntry) (ports.LedgerChange, error) {
		var change ports.LedgerChange
		stage(&change, entries, symbol, qty)
		return change, nil
	})
}

// AddTrade suma delta (con signo) a lt_qty_raw.
func (s *Store) AddTrade(ctx context.Context, accountID, symbol string, delta int64) error {
	if delta == 0 {
		return nil
	}
	return s.mutate(ctx, accountID, func(entries map[string]domain.LedgerEntry) (ports.LedgerChange, error) {
		var change ports.LedgerChange
		stage(&change, entries, symbol, entries[symbol].LTQtyRaw+delta)
		return change, nil
	})
}

// ApplyFill aplica un fill clasificado LT. Es idempotente por OrderID:
// un fill ya aplicado devuelve (false, nil). Los fills MM no tocan el ledger.
func (s *Store) ApplyFill(ctx context.Context, ev domain.ExecutionEvent) (bool, error) {
	if !ev.Classification.IsLT() {
		return false, nil
	}
	if ev.FillQty <= 0 {
		return false, fmt.Errorf("ledger.ApplyFill: %s fill qty %d: %w", ev.Symbol, ev.FillQty, domain.ErrInvalidQuantity)
	}
	if ev.OrderID == "" {
		return false, fmt.Errorf("ledger.ApplyFill: %s: missing order id", ev.Symbol)
	}

	err := s.mutate(ctx, ev.AccountID, func(entries map[string]domain.LedgerEntry) (ports.LedgerChange, error) {
		change := ports.LedgerChange{FillIDs: []string{ev.OrderID}}
		stage(&change, entries, ev.Symbol, entries[ev.Symbol].LTQtyRaw+ev.SignedQty())
		return change, nil
	})
	if errors.Is(err, ports.ErrFillAlreadyApplied) {
		slog.Debug("ledger: fill already applied", "order_id", ev.OrderID, "symbol", ev.Symbol)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger.ApplyFill: %w", err)
	}
	return true, nil
}

// Attribution parte las posiciones del broker en sub-posiciones LT y MM.
// Los símbolos con LT pero sin posición en broker salen como LT + MM opuesto.
func (s *Store) Attribution(ctx context.Context, accountID string, broker []domain.Position) ([]domain.Position, error) {
	lt, err := s.Snapshot(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger.Attribution: %w", err)
	}

	seen := make(map[string]bool, len(broker))
	out := make([]domain.Position, 0, len(broker)*2)
	emit := func(p domain.Position, ltQty int64) {
		if ltQty != 0 {
			sub := p
			sub.Qty, sub.Bucket = ltQty, domain.BucketLT
			out = append(out, sub)
		}
		if mm := domain.MMQty(p.Qty, ltQty); mm != 0 {
			sub := p
			sub.Qty, sub.Bucket = mm, domain.BucketMM
			out = append(out, sub)
		}
	}

	for _, p := range broker {
		seen[p.Symbol] = true
		emit(p, lt[p.Symbol])
	}
	for sym, q := range lt {
		if !seen[sym] {
			emit(domain.Position{Symbol: sym}, q)
		}
	}
	return out, nil
}
