package selfplay

import (
	"sync"

	"github.com/brensch/reversi/store"
)

// GameCounter is the game index shared by all workers. It is written to
// path after every increment so a restarted run continues where it stopped.
type GameCounter struct {
	mu   sync.Mutex
	idx  int
	path string
}

func OpenGameCounter(path string) *GameCounter {
	idx, _ := store.ReadInt(path)
	return &GameCounter{idx: idx, path: path}
}

func (c *GameCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx
}

// Next increments the index and persists it. The new value is returned even
// when persisting fails.
func (c *GameCounter) Next() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idx++
	if c.path == "" {
		return c.idx, nil
	}
	return c.idx, store.WriteIntAtomic(c.path, c.idx)
}
