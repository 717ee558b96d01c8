package manifold

import (
	"sort"

	"github.com/spadina/server/internal/wire"
)

// Occupancy tracks which players stand inside which areas. The realm
// updates it as each committed-path head advances; Proximity pieces
// read the per-area counts and membership.
type Occupancy struct {
	m       *Manifold
	players map[wire.PlayerID]wire.Point
	byArea  map[uint32]map[wire.PlayerID]bool
}

func NewOccupancy(m *Manifold) *Occupancy {
	o := &Occupancy{
		m:       m,
		players: make(map[wire.PlayerID]wire.Point),
		byArea:  make(map[uint32]map[wire.PlayerID]bool),
	}
	for _, a := range m.areas {
		o.byArea[a.ID] = make(map[wire.PlayerID]bool)
	}
	return o
}

// Update moves a player to p and returns the area ids whose membership
// changed, sorted ascending.
func (o *Occupancy) Update(player wire.PlayerID, p wire.Point) []uint32 {
	o.players[player] = p
	return o.reindex(player, &p)
}

// Remove drops a player entirely, returning affected area ids.
func (o *Occupancy) Remove(player wire.PlayerID) []uint32 {
	delete(o.players, player)
	return o.reindex(player, nil)
}

func (o *Occupancy) reindex(player wire.PlayerID, at *wire.Point) []uint32 {
	var changed []uint32
	for _, a := range o.m.areas {
		inside := at != nil && a.Contains(*at)
		was := o.byArea[a.ID][player]
		if inside == was {
			continue
		}
		if inside {
			o.byArea[a.ID][player] = true
		} else {
			delete(o.byArea[a.ID], player)
		}
		changed = append(changed, a.ID)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}

// Occupants returns the players inside an area, sorted by id for
// deterministic iteration.
func (o *Occupancy) Occupants(area uint32) []wire.PlayerID {
	set := o.byArea[area]
	out := make([]wire.PlayerID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of players inside an area.
func (o *Occupancy) Count(area uint32) int { return len(o.byArea[area]) }

// Position returns a player's last known point.
func (o *Occupancy) Position(player wire.PlayerID) (wire.Point, bool) {
	p, ok := o.players[player]
	return p, ok
}
