package model

import "time"

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionActive, SessionPaused:
		return true
	default:
		return false
	}
}

// Container references the remote compute unit backing a session. It is only
// set once the orchestrator has confirmed placement.
type Container struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
	Region string `json:"region"`
}

// WsConn carries the signaling identities of a session. ID is the sticky
// routing token, ConsumerID the viewing peer, ProducerID the streaming peer.
type WsConn struct {
	ID         string  `json:"id"`
	ConsumerID string  `json:"consumer_id"`
	ProducerID *string `json:"producer_id"`
}

type Session struct {
	ID             string
	AppReleaseUUID string
	UserID         int64
	Status         SessionStatus
	Container      *Container
	WsConn         WsConn
	Updated        time.Time
}

type StatsLogEntry struct {
	AppReleaseUUID string
	Region         string
	SessionID      string
	UserID         int64
	RawStats       map[string]any
}
