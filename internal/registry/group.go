package registry

// GroupIndex maps a session id to the set of connection ids joined to it.
// It is not safe for concurrent use; Registry guards it with its own lock and is
// the only writer, so a group member always has a live connection record.
type GroupIndex struct {
	groups map[string]map[string]struct{} // sessionID -> set of connectionID
}

// NewGroupIndex creates an empty index
func NewGroupIndex() *GroupIndex {
	return &GroupIndex{groups: make(map[string]map[string]struct{})}
}

// Add inserts connectionID into the session group, creating the group if absent.
// Adding an existing member is a no-op.
func (g *GroupIndex) Add(sessionID, connectionID string) {
	members, exists := g.groups[sessionID]
	if !exists {
		members = make(map[string]struct{})
		g.groups[sessionID] = members
	}
	members[connectionID] = struct{}{}
}

// Remove deletes connectionID from the session group.
// A group left empty is deleted entirely.
func (g *GroupIndex) Remove(sessionID, connectionID string) {
	members, exists := g.groups[sessionID]
	if !exists {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(g.groups, sessionID)
	}
}

// Members returns a copy of the session's connection ids.
// Unknown sessions yield an empty, non-nil slice.
func (g *GroupIndex) Members(sessionID string) []string {
	members := g.groups[sessionID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether connectionID is a member of the session group
func (g *GroupIndex) Contains(sessionID, connectionID string) bool {
	_, ok := g.groups[sessionID][connectionID]
	return ok
}

// Size returns the member count of a session group in O(1)
func (g *GroupIndex) Size(sessionID string) int {
	return len(g.groups[sessionID])
}

// Sessions lists every session id that currently has at least one member
func (g *GroupIndex) Sessions() []string {
	ids := make([]string, 0, len(g.groups))
	for id := range g.groups {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of non-empty groups
func (g *GroupIndex) Len() int {
	return len(g.groups)
}
