package variant

import (
	"context"

	"bitwise74/attachments/internal/queue"

	"go.uber.org/zap"
)

func queueTask(s *Service, u Unit) queue.Task {
	return queue.Task{
		Name: u.TaskName(),
		Run: func(ctx context.Context) error {
			return s.Run(ctx, u)
		},
		OnError: func(err error) {
			zap.L().Error("Variant generation failed",
				zap.String("table", u.Table),
				zap.String("column", u.Column),
				zap.Any("primary", u.PrimaryValue),
				zap.Error(err))
		},
	}
}
