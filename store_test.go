package maginet

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStore(t *testing.T) {
	store := NewStore(0)
	assert.Equal(t, store.Get(), 0)

	observed := []int{}
	unsub := store.Subscribe(func(next int) {
		observed = append(observed, next)
	})

	store.Set(1)
	next := store.Update(func(state int) int {
		return state + 10
	})
	assert.Equal(t, next, 11)
	assert.Equal(t, store.Get(), 11)
	assert.Equal(t, observed, []int{1, 11})

	unsub()
	store.Set(99)
	assert.Equal(t, observed, []int{1, 11})
}

// a listener can read the store while being notified
func TestStoreReentrantRead(t *testing.T) {
	store := NewStore("a")

	seen := ""
	store.Subscribe(func(next string) {
		seen = store.Get()
	})
	store.Set("b")
	assert.Equal(t, seen, "b")
}
