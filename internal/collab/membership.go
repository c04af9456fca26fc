package collab

import (
	"github.com/samber/lo"

	"github.com/manpreetbhatti/codesync/internal/session"
)

type participantLookup interface {
	Lookup(channelID string) (session.Participant, bool)
}

// ResolveMembers intersects the channels grouped under roomID by the transport
// with the session registry, keeping transport order and dropping duplicates. Channels the registry
// does not know, or knows under another room, are skipped.
func ResolveMembers(roomID string, channels []string, registry participantLookup) []Member {
	members := lo.FilterMap(channels, func(id string, _ int) (Member, bool) {
		p, ok := registry.Lookup(id)
		if !ok || p.RoomID != roomID {
			return Member{}, false
		}
		return Member{SocketID: id, Username: p.Name}, true
	})
	return lo.UniqBy(members, func(m Member) string { return m.SocketID })
}
