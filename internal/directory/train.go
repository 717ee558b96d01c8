package directory

import (
	"context"

	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/realm"
	"github.com/spadina/server/internal/wire"
)

// joinTrain selects the next train car for a player and admits them.
// Selection is deterministic given the configuration, the player's
// completed set, and their current car: the next uncompleted sequence
// after the current one wins; a player not currently on the train, or
// with no uncompleted car after the current one, gets the first
// uncompleted allowed_first car, else the first uncompleted car; a
// player who has consumed every car goes home.
func (d *Directory) joinTrain(ctx context.Context, principal string, b *binding, row *persist.PlayerRow, prev *int64, reply realm.Reply) {
	if row == nil {
		if reply != nil {
			reply(wire.StatusNotAllowed, "trains run for local players only")
		}
		return
	}
	cars, err := d.deps.Trains.Cars(ctx)
	if err != nil {
		if reply != nil {
			reply(wire.StatusInternalError, "")
		}
		return
	}
	completed, err := d.deps.Trains.Completed(ctx, row.ID)
	if err != nil {
		if reply != nil {
			reply(wire.StatusInternalError, "")
		}
		return
	}

	car := pickCar(cars, completed, prev)
	if car == nil {
		// Every configured car is consumed: back home.
		d.joinLocal(ctx, principal, b, row.ID, row.Name, d.deps.DefaultRealm, nil, true, reply)
		return
	}

	if err := d.deps.Players.SetWaitingForTrain(ctx, row.ID, true); err != nil {
		d.log.Warn("train wait flag write failed")
	}
	seq := car.Sequence
	d.joinLocal(ctx, principal, b, row.ID, row.Name, car.Asset, &seq, true, func(status wire.ResponseStatus, detail string) {
		d.deps.Players.SetWaitingForTrain(ctx, row.ID, false)
		if reply != nil {
			reply(status, detail)
		}
	})
}

func pickCar(cars []persist.TrainCarRow, completed map[string]bool, prev *int64) *persist.TrainCarRow {
	// cars arrive ordered by sequence.
	if prev != nil {
		for i := range cars {
			if cars[i].Sequence > *prev && !completed[cars[i].Asset] {
				return &cars[i]
			}
		}
	}
	for i := range cars {
		if cars[i].AllowedFirst && !completed[cars[i].Asset] {
			return &cars[i]
		}
	}
	// No allowed entry point left; continue anywhere uncompleted.
	for i := range cars {
		if !completed[cars[i].Asset] {
			return &cars[i]
		}
	}
	return nil
}
