// Package bus is the multiplayer channel bus: a typed pub/sub over a single
// WebSocket endpoint with snapshot-then-delta semantics.
package bus

import "encoding/json"

// Channel names form a closed set registered at startup. Parameterized
// channels resolve to "<name>/<param>" paths.
const (
	ChannelProjects             = "projects"
	ChannelSessions             = "sessions"
	ChannelSessionMetadata      = "sessionMetadata"
	ChannelSessionContainers    = "sessionContainers"
	ChannelSessionTyping        = "sessionTyping"
	ChannelSessionChangedFiles  = "sessionChangedFiles"
	ChannelSessionTasks         = "sessionTasks"
	ChannelSessionBranches      = "sessionBranches"
	ChannelSessionLinks         = "sessionLinks"
	ChannelSessionLogs          = "sessionLogs"
	ChannelSessionMessages      = "sessionMessages"
	ChannelSessionAcpEvents     = "sessionAcpEvents"
	ChannelSessionBrowserState  = "sessionBrowserState"
	ChannelSessionBrowserFrames = "sessionBrowserFrames"
	ChannelSessionBrowserInput  = "sessionBrowserInput"
	ChannelOrchestrationStatus  = "orchestrationStatus"
	ChannelSessionComplete      = "sessionComplete"
)

// Delta is an incremental update a client applies to its local copy of a
// channel's snapshot.
type Delta map[string]any

// AddDelta appends an item to an array channel.
func AddDelta(item any) Delta { return Delta{"type": "add", "item": item} }

// RemoveDelta removes the item with the given id from an array channel.
func RemoveDelta(id string) Delta { return Delta{"type": "remove", "id": id} }

// UpdateDelta shallow-merges the item onto the existing entry by id.
func UpdateDelta(item any) Delta { return Delta{"type": "update", "item": item} }

// AppendDelta appends a streaming fragment on a message channel.
func AppendDelta(message any) Delta { return Delta{"type": "append", "message": message} }

// PatchDelta shallow-merges fields onto an object channel's snapshot.
func PatchDelta(fields map[string]any) Delta {
	d := Delta{"type": "patch"}
	for k, v := range fields {
		d[k] = v
	}
	return d
}

type clientMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
