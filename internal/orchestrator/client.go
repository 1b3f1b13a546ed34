package orchestrator

import (
	"context"
	"fmt"

	"github.com/telemyapp/aegis-sessions/internal/model"
)

// Client drives the external application-orchestration service. None of the
// operations retry; every failure surfaces as *Error.
type Client interface {
	Run(ctx context.Context, req RunRequest) (model.Container, error)
	Pause(ctx context.Context, c model.Container) error
	Resume(ctx context.Context, c model.Container, ws WsConnRef) error
	Stop(ctx context.Context, c model.Container) error
}

type WsConnRef struct {
	ID         string `json:"id"`
	ConsumerID string `json:"consumer_id"`
}

type RunRequest struct {
	AppReleaseUUID string    `json:"app_release_uuid"`
	UserID         int64     `json:"user_id"`
	PreferredDCs   []string  `json:"preferred_dcs"`
	WsConn         WsConnRef `json:"ws_conn"`
}

type containerRef struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
}

type containerRequest struct {
	Container containerRef `json:"container"`
}

type resumeRequest struct {
	Container containerRef `json:"container"`
	WsConn    WsConnRef    `json:"ws_conn"`
}

type runResponse struct {
	Container model.Container `json:"container"`
}

func refOf(c model.Container) containerRef {
	return containerRef{ID: c.ID, NodeID: c.NodeID}
}

// Error is returned for any non-200 response or transport fault. StatusCode
// is zero when no response was received.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("orchestrator %s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("orchestrator %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("orchestrator %s: status %d", e.Op, e.StatusCode)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
