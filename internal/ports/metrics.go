package ports

import (
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
)

// Metrics recoge contadores y gauges del core. La implementación real es
// Prometheus; NopMetrics sirve cuando no hay endpoint.
type Metrics interface {
	CycleCompleted(result string, d time.Duration)
	ProposalAccepted(c domain.Classification)
	ProposalSuppressed(reason string)
	ExposureObserved(grossPct, addIntent float64)
	LedgerReconciled(action string, n int)
	AuditFailed(kind string)
}

// NopMetrics descarta todo.
type NopMetrics struct{}

func (NopMetrics) CycleCompleted(string, time.Duration) {}
func (NopMetrics) ProposalAccepted(domain.Classification) {}
func (NopMetrics) ProposalSuppressed(string) {}
func (NopMetrics) ExposureObserved(float64, float64) {}
func (NopMetrics) LedgerReconciled(string, int) {}
func (NopMetrics) AuditFailed(string) {}
