package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskcenter/internal/core"
)

const sendTimeout = 15 * time.Second

// RunObserver sends a notification whenever a run finishes, either by completing
// or by failing. Sends happen in the background so the engine is never blocked.
type RunObserver struct {
	notifier Notifier
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewRunObserver(notifier Notifier, logger *slog.Logger) *RunObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunObserver{notifier: notifier, logger: logger}
}

func (o *RunObserver) TaskTransitioned(_ context.Context, t core.Transition) {
	if t.From != core.TaskStatusRunning || !t.To.IsTerminal() {
		return
	}
	title, body := runMessage(t)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := o.notifier.Send(ctx, title, body); err != nil {
			o.logger.Warn("send run notification", "task_id", t.TaskID, "err", err)
		}
	}()
}

func (o *RunObserver) TaskDeleted(context.Context, int64) {}

// Wait blocks until pending notifications are sent.
func (o *RunObserver) Wait() {
	o.wg.Wait()
}

func runMessage(t core.Transition) (string, string) {
	title := fmt.Sprintf("Task #%d completed", t.TaskID)
	if t.To == core.TaskStatusFailed {
		title = fmt.Sprintf("Task #%d failed", t.TaskID)
	}
	body := fmt.Sprintf("Script %s on worker %s finished at %s",
		orDash(t.Task.ScriptName), orDash(t.Task.WorkerName), t.At.Local().Format("2006-01-02 15:04:05"))
	return title, body
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
