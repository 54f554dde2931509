package engine

// quotes.go — worker pool para leer cotizaciones en paralelo.
//
// La lectura por símbolo es independiente; el resto del ciclo recibe las
// cotizaciones por valor y no vuelve a tocar el provider.

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

// fetchQuotesConcurrent devuelve solo las cotizaciones válidas. Las que faltan
// o no validan se registran y se omiten: el candidato se salta, el ciclo sigue.
//
// Si workers <= 0 usa runtime.NumCPU() × 2.
func fetchQuotesConcurrent(
	ctx context.Context,
	snap ports.SnapshotProvider,
	symbols []string,
	workers int,
) map[string]domain.MarketQuote {
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	type result struct {
		symbol string
		quote  domain.MarketQuote
		err    error
	}

	workCh := make(chan string, len(symbols))
	resultCh := make(chan result, len(symbols))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range workCh {
				q, err := snap.Quote(ctx, sym)
				if err == nil {
					err = q.Validate()
				}
				resultCh <- result{symbol: sym, quote: q, err: err}
			}
		}()
	}

	for _, sym := range symbols {
		workCh <- sym
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	quotes := make(map[string]domain.MarketQuote, len(symbols))
	for r := range resultCh {
		switch {
		case r.err == nil:
			quotes[r.symbol] = r.quote
		case errors.Is(r.err, domain.ErrMissingQuote):
			slog.Debug("engine: missing quote", "symbol", r.symbol)
		default:
			slog.Warn("engine: unusable quote", "symbol", r.symbol, "err", r.err)
		}
	}

	slog.Debug("engine: quotes fetched",
		"symbols", len(symbols),
		"valid", len(quotes),
		"workers", workers,
	)
	return quotes
}
