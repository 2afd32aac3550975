package service

import (
	"context"
	"time"

	"github.com/ignatij/docflow/pkg/models"
)

// Summary describes a finished process.
type Summary struct {
	ProcessID string        `json:"process_id"`
	Pipeline  string        `json:"pipeline"`
	Status    models.Status `json:"status"`
	Documents int           `json:"documents"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Notifier tells a user that one of their processes has finished.
type Notifier interface {
	Notify(ctx context.Context, user models.User, summary Summary) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) Notify(_ context.Context, user models.User, s Summary) error {
	n.Logger.Infof("Process %s of pipeline %s finished %s for %s: %d documents, %d failed, took %s",
		s.ProcessID, s.Pipeline, s.Status, user.Email, s.Documents, s.Failed, s.Duration.Round(time.Millisecond))
	return nil
}
