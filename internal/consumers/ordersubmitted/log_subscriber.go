package ordersubmitted

import (
	"context"

	"github.com/Genocs/genocs-library-template/pkg/logger"
)

// LogSubscriberName is the default subscriber enabled in every environment.
const LogSubscriberName = "order-log"

// LogSubscriber records each submitted order as a structured log line.
type LogSubscriber struct {
	logg *logger.Logger
}

func NewLogSubscriber(logg *logger.Logger) *LogSubscriber {
	return &LogSubscriber{logg: logg}
}

func (s *LogSubscriber) Name() string { return LogSubscriberName }

func (s *LogSubscriber) OnOrderSubmitted(ctx context.Context, event Event) error {
	if s.logg == nil {
		return nil
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"user_id":     event.UserID,
		"amount":      event.Amount.String(),
		"currency":    event.Currency,
		"basket_size": len(event.Basket),
		"submitted":   event.Timestamp,
	})
	s.logg.Info(ctx, "order submitted received")
	return nil
}
