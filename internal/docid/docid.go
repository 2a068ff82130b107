// Package docid identifies documents and the rooms clients join for them.
package docid

import "strings"

// Workspace and awareness room keys live in disjoint namespaces, so no
// workspace id can name another workspace's awareness room.
const (
	workspacePrefix = "workspace:"
	awarenessPrefix = "awareness-"
)

// DocumentID names one CRDT document inside a workspace. A GUID equal to the
// workspace id is the workspace root document; anything else is a page.
type DocumentID struct {
	WorkspaceID string
	GUID        string
}

func New(workspaceID, guid string) DocumentID {
	if guid == "" {
		guid = workspaceID
	}
	return DocumentID{WorkspaceID: workspaceID, GUID: guid}
}

func (id DocumentID) IsWorkspace() bool {
	return id.GUID == id.WorkspaceID
}

func (id DocumentID) String() string {
	return id.WorkspaceID + "/" + id.GUID
}

func (id DocumentID) Valid() bool {
	return strings.TrimSpace(id.WorkspaceID) != "" && strings.TrimSpace(id.GUID) != ""
}

// WorkspaceRoom is the room every handshaken connection of a workspace joins.
func WorkspaceRoom(workspaceID string) string {
	return workspacePrefix + workspaceID
}

func AwarenessRoom(workspaceID string) string {
	return awarenessPrefix + workspaceID
}
