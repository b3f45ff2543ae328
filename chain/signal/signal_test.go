package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitCallsSubscribersInOrder(t *testing.T) {
	var bus Bus[int]
	var seen []int
	bus.Connect(func(v int) { seen = append(seen, v*10) })
	bus.Connect(func(v int) { seen = append(seen, v*100) })

	bus.Emit(1)
	bus.Emit(2)

	require.Equal(t, []int{10, 100, 20, 200}, seen)
}

func TestEmitRecoversPanickingSubscriberAndContinues(t *testing.T) {
	var bus Bus[string]
	var secondRan bool
	bus.Connect(func(string) { panic("boom") })
	bus.Connect(func(string) { secondRan = true })

	require.NotPanics(t, func() { bus.Emit("block") })
	require.True(t, secondRan, "a panicking subscriber must not block later ones")
}
