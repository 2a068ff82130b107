package gateway

import "fmt"

const (
	ErrNameAccessDenied      = "ACCESS_DENIED"
	ErrNameNotInWorkspace    = "NOT_IN_WORKSPACE"
	ErrNameWorkspaceNotFound = "WORKSPACE_NOT_FOUND"
	ErrNameDocNotFound       = "DOC_NOT_FOUND"
	ErrNameInternal          = "INTERNAL_ERROR"
	ErrNameInvalidPayload    = "INVALID_PAYLOAD"
	ErrNameUnknownEvent      = "UNKNOWN_EVENT"
)

// EventError is the error half of a reply. It is safe to show to clients.
type EventError struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *EventError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func eventError(name, message string) *EventError {
	return &EventError{Name: name, Message: message}
}

func accessDenied(workspaceID string) *EventError {
	return eventError(ErrNameAccessDenied, fmt.Sprintf("You do not have permission to access workspace %s.", workspaceID))
}

func notInWorkspace(workspaceID string) *EventError {
	return eventError(ErrNameNotInWorkspace, fmt.Sprintf("You are not in workspace %s.", workspaceID))
}

func workspaceNotFound(workspaceID string) *EventError {
	return eventError(ErrNameWorkspaceNotFound, fmt.Sprintf("Workspace %s not found.", workspaceID))
}

func docNotFound(workspaceID, guid string) *EventError {
	return eventError(ErrNameDocNotFound, fmt.Sprintf("Doc %s under workspace %s not found.", guid, workspaceID))
}

func invalidPayload(message string) *EventError {
	return eventError(ErrNameInvalidPayload, message)
}

func unknownEvent(event string) *EventError {
	return eventError(ErrNameUnknownEvent, fmt.Sprintf("Unknown event %q.", event))
}

// internalError hides the cause from the client.
func internalError(retryable bool) *EventError {
	return &EventError{Name: ErrNameInternal, Message: "An internal error occurred.", Retryable: retryable}
}
