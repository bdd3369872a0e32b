// internal/api/roster.go
package api

import (
	"sort"
	"time"

	"github.com/erilali/wshub/internal/hub"
)

// Member is one identified participant in the heartbeat roster.
type Member struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Roster is the state carried by every heartbeat.
type Roster struct {
	Connections   int      `json:"connections"`
	Identified    int      `json:"identified"`
	Members       []Member `json:"members"`
	UptimeSeconds int64    `json:"uptimeSeconds"`
}

// RosterSnapshot returns the heartbeat state callback used by the server.
func RosterSnapshot(started time.Time, now func() time.Time) hub.SnapshotFunc {
	return func(conns []hub.Connection) interface{} {
		return buildRoster(conns, started, now())
	}
}

func buildRoster(conns []hub.Connection, started, now time.Time) Roster {
	r := Roster{
		Connections:   len(conns),
		Members:       []Member{},
		UptimeSeconds: int64(now.Sub(started).Seconds()),
	}
	for _, c := range conns {
		if c.Anonymous() {
			continue
		}
		r.Identified++
		r.Members = append(r.Members, Member{
			Name:        c.Identity.Name,
			Kind:        c.Identity.Kind,
			ConnectedAt: c.ConnectedAt,
		})
	}
	sort.Slice(r.Members, func(i, j int) bool { return r.Members[i].Name < r.Members[j].Name })
	return r
}
