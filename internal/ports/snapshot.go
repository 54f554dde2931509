package ports

import (
	"context"

	"github.com/alejandrodnm/prefbot/internal/domain"
)

// SnapshotProvider entrega la foto de mercado y cartera de un ciclo.
// Todo es de solo lectura y se consulta una vez por ciclo.
type SnapshotProvider interface {
	// Positions devuelve las posiciones netas reportadas por el broker.
	Positions(ctx context.Context) ([]domain.Position, error)

	// Quote devuelve la cotización de un símbolo, o domain.ErrMissingQuote.
	Quote(ctx context.Context, symbol string) (domain.MarketQuote, error)

	// Exposure devuelve la exposición bruta y el equity de la cuenta.
	Exposure(ctx context.Context) (domain.Exposure, error)
}
