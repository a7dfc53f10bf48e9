package actions

import (
	"context"
	"fmt"

	"assistd/internal/channels"
)

type emailHandler struct {
	mailer MessageSender
}

func (h *emailHandler) Execute(ctx context.Context, params, _ map[string]any) (any, error) {
	to := strList(params["to"])
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: to", ErrMissingParam)
	}
	subject, err := required(params, "subject")
	if err != nil {
		return nil, err
	}
	msg := channels.Message{To: to, Subject: subject, Body: str(params, "body")}
	if err := h.mailer.SendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return map[string]any{"to": to, "subject": subject}, nil
}
