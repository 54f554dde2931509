package ports

import (
	"context"

	"github.com/alejandrodnm/prefbot/internal/domain"
)

// Notifier presenta el resultado de cada ciclo (consola, alertas...).
type Notifier interface {
	NotifyCycle(ctx context.Context, r domain.CycleReport) error
}
