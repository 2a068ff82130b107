package gateway

import (
	"encoding/json"
	"strings"
)

// Events accepted from clients. The client-* names and init-awareness are
// older spellings still sent by deployed clients.
const (
	EventHandshake       = "handshake"
	EventLeave           = "leave"
	EventPushUpdates     = "push-updates"
	EventDocLoad         = "doc-load"
	EventAwarenessInit   = "awareness-init"
	EventAwarenessUpdate = "awareness-update"

	legacyHandshake     = "client-handshake"
	legacyLeave         = "client-leave"
	legacyPushUpdates   = "client-updates"
	legacyAwarenessInit = "init-awareness"
)

// Events pushed to clients.
const (
	EventServerUpdates      = "server-updates"
	EventNewAwarenessClient = "new-client-awareness-init"
	EventAwarenessBroadcast = "server-awareness-broadcast"
)

// Request is one client message. ID is echoed on the reply.
type Request struct {
	ID    int64           `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Reply struct {
	ID    int64       `json:"id"`
	Data  any         `json:"data,omitempty"`
	Error *EventError `json:"error,omitempty"`
}

// Push is a server-initiated message; it carries no id and expects no reply.
type Push struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type clientIDReply struct {
	ClientID string `json:"clientId"`
}

type acceptedReply struct {
	Accepted bool `json:"accepted"`
}

type emptyReply struct{}

type pushUpdatesRequest struct {
	WorkspaceID string   `json:"workspaceId"`
	GUID        string   `json:"guid"`
	Updates     []string `json:"updates"`
}

type serverUpdates struct {
	WorkspaceID string   `json:"workspaceId"`
	GUID        string   `json:"guid"`
	Updates     []string `json:"updates"`
}

type docLoadRequest struct {
	WorkspaceID string `json:"workspaceId"`
	GUID        string `json:"guid"`
	StateVector string `json:"stateVector,omitempty"`
}

type docLoadReply struct {
	Missing string `json:"missing"`
	State   string `json:"state"`
}

type awarenessTarget struct {
	WorkspaceID       string `json:"workspaceId"`
	LegacyWorkspaceID string `json:"workspace_id"`
}

type awarenessInitNotice struct {
	WorkspaceID string `json:"workspaceId"`
	ClientID    string `json:"clientId"`
}

// decodeWorkspaceID accepts either a bare JSON string or an object with a
// workspaceId field.
func decodeWorkspaceID(data json.RawMessage) (string, *EventError) {
	trimmed := strings.TrimSpace(string(data))
	var workspaceID string
	if strings.HasPrefix(trimmed, `"`) {
		if err := json.Unmarshal(data, &workspaceID); err != nil {
			return "", invalidPayload("workspace id must be a string")
		}
	} else {
		var target awarenessTarget
		if err := json.Unmarshal(data, &target); err != nil {
			return "", invalidPayload("expected a workspace id")
		}
		workspaceID = target.WorkspaceID
		if workspaceID == "" {
			workspaceID = target.LegacyWorkspaceID
		}
	}
	if workspaceID == "" {
		return "", invalidPayload("workspace id is required")
	}
	return workspaceID, nil
}

func decodeObject(data json.RawMessage, into any) *EventError {
	if len(data) == 0 {
		return invalidPayload("payload is required")
	}
	if err := json.Unmarshal(data, into); err != nil {
		return invalidPayload("payload is not a valid object")
	}
	return nil
}
