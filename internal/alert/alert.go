package alert

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Charge floors that trigger a low battery alert. Loggers report charge
// once a minute, so each threshold fires more than once as the battery
// drains through it; there is no debouncing.
var lowBatteryLevels = map[int]bool{
	5:  true,
	10: true,
	15: true,
	20: true,
}

// ShouldAlert reports whether a charge reading sits on a low battery
// threshold.
func ShouldAlert(charge float64) bool {
	return lowBatteryLevels[int(math.Floor(charge))]
}

// Notifier is the outbound message channel. Delivery is best effort.
type Notifier interface {
	SendMessage(ctx context.Context, text string) error
}

// Evaluator decides on every charge-carrying ingestion whether to raise a
// low battery alert and delivers it. Delivery failures are logged and
// swallowed so that ingestion can never be downgraded by the channel
// being unavailable.
type Evaluator struct {
	notifier Notifier
	logger   *zap.Logger
}

func NewEvaluator(notifier Notifier, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		notifier: notifier,
		logger:   logger.Named("alert"),
	}
}

func (e *Evaluator) Evaluate(ctx context.Context, deviceID string, charge float64) {
	if !ShouldAlert(charge) {
		return
	}
	text := fmt.Sprintf("Logger %s is low on battery: %.1f%% remaining", deviceID, charge)
	if err := e.notifier.SendMessage(ctx, text); err != nil {
		e.logger.Warn("unable to deliver low battery alert",
			zap.String("logger", deviceID),
			zap.Float64("charge", charge),
			zap.Error(err),
		)
	}
}
