package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"storyboard/internal/logging"
)

// LogNotifier records notifications in the log. It is the default when no
// webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "notify")}
}

func (n *LogNotifier) NotifyNewMessage(ctx context.Context, projectID string, message json.RawMessage) error {
	n.logger.InfoContext(ctx, "new chat message", logging.KeyProject, projectID, "bytes", len(message))
	return nil
}

func (n *LogNotifier) NotifyNewComment(ctx context.Context, projectID string, comment json.RawMessage) error {
	n.logger.InfoContext(ctx, "new comment", logging.KeyProject, projectID, "bytes", len(comment))
	return nil
}
