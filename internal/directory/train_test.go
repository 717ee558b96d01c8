package directory

import (
	"testing"

	"github.com/spadina/server/internal/persist"
)

func cars() []persist.TrainCarRow {
	return []persist.TrainCarRow{
		{Asset: "car0", Sequence: 0, AllowedFirst: true},
		{Asset: "car1", Sequence: 1, AllowedFirst: false},
		{Asset: "car2", Sequence: 2, AllowedFirst: true},
	}
}

func seq(n int64) *int64 { return &n }

func TestPickCarFreshPlayer(t *testing.T) {
	car := pickCar(cars(), map[string]bool{}, nil)
	if car == nil || car.Asset != "car0" {
		t.Errorf("fresh pick = %+v, want car0", car)
	}
}

func TestPickCarPrefersNextSequence(t *testing.T) {
	car := pickCar(cars(), map[string]bool{"car0": true}, seq(0))
	if car == nil || car.Asset != "car1" {
		t.Errorf("pick after car0 = %+v, want car1", car)
	}
}

func TestPickCarSkipsCompleted(t *testing.T) {
	car := pickCar(cars(), map[string]bool{"car1": true}, seq(0))
	if car == nil || car.Asset != "car2" {
		t.Errorf("pick skipping completed = %+v, want car2", car)
	}
}

func TestPickCarAllConsumed(t *testing.T) {
	done := map[string]bool{"car0": true, "car1": true, "car2": true}
	if car := pickCar(cars(), done, seq(2)); car != nil {
		t.Errorf("all consumed should pick nothing, got %+v", car)
	}
	if car := pickCar(cars(), done, nil); car != nil {
		t.Errorf("all consumed off-train should pick nothing, got %+v", car)
	}
}

func TestPickCarHonorsAllowedFirst(t *testing.T) {
	// A fresh player cannot start on car1, which is not allowed_first.
	car := pickCar(cars(), map[string]bool{"car0": true}, nil)
	if car == nil || car.Asset != "car2" {
		t.Errorf("fresh pick with car0 done = %+v, want car2", car)
	}
	// Unless no allowed_first car remains.
	car = pickCar(cars(), map[string]bool{"car0": true, "car2": true}, nil)
	if car == nil || car.Asset != "car1" {
		t.Errorf("fallback pick = %+v, want car1", car)
	}
}

func TestPickCarDeterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		a := pickCar(cars(), map[string]bool{"car0": true}, seq(0))
		b := pickCar(cars(), map[string]bool{"car0": true}, seq(0))
		if a.Asset != b.Asset {
			t.Fatalf("selection not deterministic: %s vs %s", a.Asset, b.Asset)
		}
	}
}
