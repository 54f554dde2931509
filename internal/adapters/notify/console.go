package notify

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyCycle imprime el resultado del ciclo en el modo configurado.
func (c *Console) NotifyCycle(_ context.Context, r domain.CycleReport) error {
	if c.table {
		c.printFull(r)
	} else {
		c.printCompact(r)
	}
	return nil
}

// printCompact imprime lo esencial en una línea.
func (c *Console) printCompact(r domain.CycleReport) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] #%d %s gross %.1f%% add %.0f/red %.0f | %s",
		clock(r.StartedAt), r.Seq, r.Intent.Regime, r.Exposure.GrossPct,
		r.Intent.AddIntent, r.Intent.ReduceIntent, sessionLabel(r.Session))

	if r.Target > 0 {
		fmt.Fprintf(&sb, " | target $%.0f", r.Target)
	}
	fmt.Fprintf(&sb, " | acc:%d sup:%d", len(r.Accepted), len(r.Suppressed))

	shown := 0
	for _, p := range r.Accepted {
		if shown >= 4 {
			fmt.Fprintf(&sb, " +%d", len(r.Accepted)-shown)
			break
		}
		fmt.Fprintf(&sb, " | %s %s %d %s", p.Side, p.Symbol, p.Qty, shortClass(p.Classification))
		shown++
	}

	switch {
	case r.Stale:
		sb.WriteString(" [STALE]")
	case r.DryRun:
		sb.WriteString(" [DRY]")
	}
	fmt.Fprintln(c.out, sb.String())
}

// printFull imprime cabecera, tabla de órdenes y motivos de supresión.
func (c *Console) printFull(r domain.CycleReport) {
	fmt.Fprintf(c.out, "\n[%s] cycle #%d — %s  gross %.1f%%  equity $%.0f\n",
		clock(r.StartedAt), r.Seq, r.Intent.Regime, r.Exposure.GrossPct, r.Exposure.Equity)
	fmt.Fprintf(c.out, "  intent: add %.1f / reduce %.1f   session: %s   target: $%.2f\n",
		r.Intent.AddIntent, r.Intent.ReduceIntent, sessionLabel(r.Session), r.Target)

	if len(r.Accepted) == 0 {
		fmt.Fprintf(c.out, "  no orders accepted\n")
	} else {
		c.printOrders(r)
	}

	if len(r.Suppressed) > 0 {
		fmt.Fprintf(c.out, "  suppressed (%d):\n", len(r.Suppressed))
		for _, line := range reasonCounts(r.Suppressed) {
			fmt.Fprintf(c.out, "    %s\n", line)
		}
	}

	switch {
	case r.Stale:
		fmt.Fprintf(c.out, "  !! stale snapshot: nothing submitted\n")
	case r.DryRun:
		fmt.Fprintf(c.out, "  (dry run: nothing submitted)\n")
	}
	fmt.Fprintln(c.out)
}

func (c *Console) printOrders(r domain.CycleReport) {
	filled := make(map[string]domain.Submission, len(r.Submitted))
	for _, s := range r.Submitted {
		filled[s.Proposal.ID] = s
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Symbol", "Side", "Qty", "Class", "Intent", "Conf", "Children", "Filled", "Reason")

	for i, p := range r.Accepted {
		children, got := "-", "-"
		if s, ok := filled[p.ID]; ok {
			var n int64
			errs := 0
			for _, ch := range s.Children {
				n += ch.Filled
				if ch.Err != "" {
					errs++
				}
			}
			children = fmt.Sprintf("%d", len(s.Children))
			got = fmt.Sprintf("%d", n)
			if errs > 0 {
				got += fmt.Sprintf(" (%d err)", errs)
			}
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			p.Symbol,
			string(p.Side),
			fmt.Sprintf("%d", p.Qty),
			string(p.Classification),
			string(p.IntentType),
			fmt.Sprintf("%.2f", p.Confidence),
			children,
			got,
			truncate(p.Reason, 32),
		)
	}
	table.Render()
}

// --- helpers ---

func clock(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format("15:04:05")
}

func sessionLabel(s domain.SessionState) string {
	if !s.MarketOpen || math.IsInf(s.MinutesToClose, 1) {
		return string(s.Phase)
	}
	return fmt.Sprintf("%s %.0fm", s.Phase, s.MinutesToClose)
}

// shortClass abrevia LT_LONG_DECREASE → LT-L-.
func shortClass(c domain.Classification) string {
	dir := "L"
	if c.Direction() == domain.DirectionShort {
		dir = "S"
	}
	act := "-"
	if c.IsIncrease() {
		act = "+"
	}
	return fmt.Sprintf("%s-%s%s", c.Bucket(), dir, act)
}

// reasonCounts agrupa supresiones por motivo, más frecuentes primero.
func reasonCounts(ss []domain.Suppression) []string {
	counts := make(map[string]int)
	for _, s := range ss {
		counts[s.Reason]++
	}
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if counts[reasons[i]] != counts[reasons[j]] {
			return counts[reasons[i]] > counts[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})

	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = fmt.Sprintf("%3d × %s", counts[r], r)
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
