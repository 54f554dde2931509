package fixture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

// PaperExecutor rellena cada orden completa cruzando el spread de la foto:
// ventas al bid, compras al ask.
type PaperExecutor struct {
	book    *Book
	account string
}

var _ ports.OrderExecutor = (*PaperExecutor)(nil)

// NewPaperExecutor crea un executor sobre book.
func NewPaperExecutor(book *Book, account string) *PaperExecutor {
	return &PaperExecutor{book: book, account: account}
}

// Execute simula el fill y lo refleja en la cartera.
func (x *PaperExecutor) Execute(ctx context.Context, p domain.OrderProposal) (domain.ExecutionEvent, error) {
	if p.Qty <= 0 {
		return domain.ExecutionEvent{}, fmt.Errorf("fixture.Execute: %s qty %d: %w", p.Symbol, p.Qty, domain.ErrInvalidQuantity)
	}
	q, err := x.book.Quote(ctx, p.Symbol)
	if err != nil {
		return domain.ExecutionEvent{}, fmt.Errorf("fixture.Execute: %w", err)
	}

	price := q.Bid
	if p.Side == domain.SideBuy {
		price = q.Ask
	}
	orderID := p.ID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	ev := domain.ExecutionEvent{
		AccountID:      x.account,
		Symbol:         p.Symbol,
		Side:           p.Side,
		FillQty:        p.Qty,
		FillPrice:      price,
		OrderID:        orderID,
		Classification: p.Classification,
		FilledAt:       x.book.now(),
	}
	x.book.apply(ev)

	slog.Info("paper: fill",
		"order_id", orderID,
		"symbol", p.Symbol,
		"side", p.Side,
		"qty", p.Qty,
		"price", fmt.Sprintf("%.4f", price),
		"classification", p.Classification,
	)
	return ev, nil
}
