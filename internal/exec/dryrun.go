package exec

import (
	"context"

	"go.uber.org/zap"
)

// DryRunPlacer logs orders instead of sending them.
type DryRunPlacer struct {
	log *zap.Logger
}

func NewDryRunPlacer(log *zap.Logger) *DryRunPlacer {
	if log == nil {
		log = zap.NewNop()
	}
	return &DryRunPlacer{log: log}
}

func (p *DryRunPlacer) PlaceOrder(ctx context.Context, order Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.log.Info("dry-run order",
		zap.String("venue", order.Venue),
		zap.String("symbol", order.Symbol),
		zap.Bool("buy", order.IsBuy),
		zap.String("notional", order.Notional.String()),
		zap.String("cloid", order.ClientOrderID),
	)
	return "dry-" + order.ClientOrderID, nil
}
