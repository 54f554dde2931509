package ports

import (
	"context"

	"github.com/alejandrodnm/prefbot/internal/domain"
)

// OrderExecutor envía una propuesta al broker y devuelve el fill resultante.
// Implementaciones: paper (fixture) o el adaptador real del broker.
type OrderExecutor interface {
	Execute(ctx context.Context, p domain.OrderProposal) (domain.ExecutionEvent, error)
}
