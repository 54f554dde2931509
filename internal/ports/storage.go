package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/prefbot/internal/domain"
)

// LedgerChange es el conjunto de cambios de una cuenta que se aplica de forma
// atómica: o todos los símbolos o ninguno.
type LedgerChange struct {
	AccountID string
	Upserts   []domain.LedgerEntry // Version = versión leída (CAS)
	Deletes   []domain.LedgerEntry // Version = versión leída (CAS)
	FillIDs   []string             // fills aplicados en este cambio (dedupe)
}

// LedgerStorage persiste el ledger interno LT.
type LedgerStorage interface {
	// LoadAccount devuelve las entradas de la cuenta por símbolo.
	LoadAccount(ctx context.Context, accountID string) (map[string]domain.LedgerEntry, error)

	// ApplyChange aplica el cambio en una transacción. Si alguna versión no
	// coincide devuelve un error que envuelve storage.ErrVersionConflict.
	ApplyChange(ctx context.Context, change LedgerChange) error

	// FillApplied devuelve true si el fill ya se aplicó al ledger.
	FillApplied(ctx context.Context, accountID, fillID string) (bool, error)
}

// AuditStorage persiste el rastro de auditoría append-only.
type AuditStorage interface {
	AppendArbitration(ctx context.Context, e domain.ArbitrationLogEntry) error
	AppendTransition(ctx context.Context, t domain.RegimeTransition) error
	ArbitrationByDate(ctx context.Context, tradingDate string) ([]domain.ArbitrationLogEntry, error)
	TransitionsByDate(ctx context.Context, tradingDate string) ([]domain.RegimeTransition, error)
}

// Errores que devuelven las implementaciones de LedgerStorage.
var (
	// ErrVersionConflict: otra escritura cambió la entrada desde que se leyó.
	ErrVersionConflict = errors.New("ledger version conflict")
	// ErrFillAlreadyApplied: el fill ya estaba registrado; el cambio se descarta entero.
	ErrFillAlreadyApplied = errors.New("fill already applied")
)
