package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"wechat-relay/internal/domain"
)

// TaskAcceptor is the runtime-side task intake.
type TaskAcceptor interface {
	Authorize(bearer string) error
	Accept(ctx context.Context, task domain.TaskEnvelope) error
}

// Plugin serves the runtime-side webhook.
type Plugin struct {
	tasks  TaskAcceptor
	logger *slog.Logger
}

func NewPlugin(tasks TaskAcceptor, logger *slog.Logger) (*Plugin, error) {
	if tasks == nil {
		return nil, errors.New("handler: task acceptor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{tasks: tasks, logger: logger}, nil
}

func (p *Plugin) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", p.webhook)
	mux.HandleFunc("GET /health", health("agent-plugin"))
	return withCorrelation(mux)
}

type acceptedResponse struct {
	Status string `json:"status"`
}

func (p *Plugin) webhook(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(p.logger, r)
	if err := p.tasks.Authorize(bearerToken(r)); err != nil {
		writeError(w, logger, err)
		return
	}
	var task domain.TaskEnvelope
	if err := decodeJSON(w, r, &task); err != nil {
		writeError(w, logger, err)
		return
	}
	// The request context ends with this response; the task runs on.
	if err := p.tasks.Accept(context.WithoutCancel(r.Context()), task); err != nil {
		writeError(w, logger, err)
		return
	}
	logger.Info("task accepted", "openid", task.Metadata.OpenID, "msg_type", task.Metadata.MsgType)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
}
