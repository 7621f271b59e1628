package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelOf(t *testing.T) {
	cases := []struct {
		capacity, booked int
		want             Level
	}{
		{10, 0, LevelNone},
		{10, 7, LevelNone},
		{4, 3, LevelLow},
		{10, 8, LevelLow},
		{10, 9, LevelUrgent},
		{10, 10, LevelFull},
		{1000, 999, LevelUrgent},
		{10000, 9999, LevelUrgent},
		{0, 0, LevelFull},
	}
	for _, tc := range cases {
		got := LevelOf(snapshot(1, tc.capacity, tc.booked, 1))
		assert.Equal(t, tc.want, got, "%d/%d", tc.booked, tc.capacity)
	}
}

func TestCrossedOnlyOnRise(t *testing.T) {
	assert.Equal(t, TypeLow, crossed(LevelNone, LevelLow))
	assert.Equal(t, TypeUrgent, crossed(LevelNone, LevelUrgent))
	assert.Equal(t, TypeFull, crossed(LevelUrgent, LevelFull))
	assert.Empty(t, crossed(LevelUrgent, LevelUrgent))
	assert.Empty(t, crossed(LevelFull, LevelLow))
	assert.Equal(t, "none", LevelNone.String())
	assert.Empty(t, LevelNone.EventType())
}

func TestHub_LevelRearmsAfterDrop(t *testing.T) {
	src := &staticSource{}
	src.set(snapshot(1, 10, 0, 0))
	hub := newTestHub(src)
	sub := NewSubscriber("c1", "", 32)
	a := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.NoError(hub.Subscribe(ctx, sub, 1, ""))
	drain(t, sub)

	hub.Publish(ctx, snapshot(1, 10, 8, 1))
	a.Equal([]string{TypeUpdate, TypeLow}, types(drain(t, sub)))
	hub.Publish(ctx, snapshot(1, 10, 8, 2))
	a.Equal([]string{TypeUpdate}, types(drain(t, sub)))
	hub.Publish(ctx, snapshot(1, 10, 2, 3))
	a.Equal([]string{TypeUpdate}, types(drain(t, sub)))
	hub.Publish(ctx, snapshot(1, 10, 8, 4))
	a.Equal([]string{TypeUpdate, TypeLow}, types(drain(t, sub)))
}
