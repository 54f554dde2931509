package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alejandrodnm/prefbot/internal/application/ledger"
	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// PrintFinalize imprime el resultado de la reconciliación de fin de día.
func (c *Console) PrintFinalize(r ledger.FinalizeReport) {
	fmt.Fprintf(c.out, "\n=== FINALIZE %s — %d symbols, %d changed ===\n", r.AccountID, len(r.Rows), r.Changed)

	if len(r.Rows) > 0 {
		table := tablewriter.NewWriter(c.out)
		table.Header("Symbol", "Broker", "LT before", "LT after", "MM after", "Action")
		for _, row := range r.Rows {
			table.Append(
				row.Symbol,
				fmt.Sprintf("%d", row.BrokerNet),
				fmt.Sprintf("%d", row.LTBefore),
				fmt.Sprintf("%d", row.LTAfter),
				fmt.Sprintf("%d", row.MMAfter),
				row.Action,
			)
		}
		table.Render()
	}

	fmt.Fprintf(c.out, "  collapse: %d  flatten: %d  unchanged: %d\n",
		r.Count(ledger.ActionCollapse), r.Count(ledger.ActionFlatten), r.Count(ledger.ActionUnchanged))

	if len(r.Failed) > 0 {
		syms := make([]string, 0, len(r.Failed))
		for s := range r.Failed {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		fmt.Fprintf(c.out, "  !! %d symbols skipped:\n", len(syms))
		for _, s := range syms {
			fmt.Fprintf(c.out, "     %s: %v\n", s, r.Failed[s])
		}
	}
	fmt.Fprintln(c.out)
}

// PrintAudit imprime el rastro de un día de trading: totales de arbitraje y
// transiciones de régimen.
func (c *Console) PrintAudit(date string, entries []domain.ArbitrationLogEntry, transitions []domain.RegimeTransition) {
	fmt.Fprintf(c.out, "\n=== AUDIT %s ===\n", date)
	if len(entries) == 0 && len(transitions) == 0 {
		fmt.Fprintln(c.out, "  no audit data for this date")
		return
	}

	var proposed, accepted, suppressed int
	byClass := make(map[domain.Classification]int)
	byReason := make(map[string]int)
	for _, e := range entries {
		proposed += e.Proposed
		accepted += e.Accepted
		suppressed += e.Suppressed
		for k, v := range e.AcceptedByClass {
			byClass[k] += v
		}
		for k, v := range e.SuppressedByReason {
			byReason[k] += v
		}
	}
	fmt.Fprintf(c.out, "  cycles: %d  proposed: %d  accepted: %d  suppressed: %d\n",
		len(entries), proposed, accepted, suppressed)

	if len(byClass) > 0 {
		table := tablewriter.NewWriter(c.out)
		table.Header("Classification", "Accepted")
		for _, k := range sortedKeys(byClass) {
			table.Append(string(k), fmt.Sprintf("%d", byClass[k]))
		}
		table.Render()
	}
	if len(byReason) > 0 {
		fmt.Fprintln(c.out, "  suppressed by reason:")
		for _, k := range sortedKeys(byReason) {
			fmt.Fprintf(c.out, "    %-40s %d\n", k, byReason[k])
		}
	}

	if len(transitions) > 0 {
		fmt.Fprintln(c.out, "  transitions:")
		for _, t := range transitions {
			var sb strings.Builder
			fmt.Fprintf(&sb, "    %s %-8s %s → %s", t.OccurredAt.Format("15:04:05"), t.Kind, t.From, t.To)
			if t.Reason != "" {
				fmt.Fprintf(&sb, "  (%s)", t.Reason)
			}
			fmt.Fprintln(c.out, sb.String())
		}
	}
	fmt.Fprintln(c.out)
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
