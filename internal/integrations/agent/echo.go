package agent

import (
	"context"

	"wechat-relay/internal/domain"
)

// EchoInvoker answers every task with its own text. It lets the plugin run
// end to end without a model behind it.
type EchoInvoker struct{}

func (EchoInvoker) Invoke(ctx context.Context, task string, _ domain.TaskMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "echo: " + task, nil
}
