package websocket

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientTopicsConcurrentAccess(t *testing.T) {
	client := &Client{Topics: map[string]bool{"stories": true}}

	// A client toggling subscriptions while the manager loop checks
	// them must not trip the race detector.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				client.Subscribe("tasks")
				client.Unsubscribe("tasks")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				client.IsSubscribed("stories")
				client.IsSubscribed("tasks")
			}
		}()
	}
	wg.Wait()

	assert.True(t, client.IsSubscribed("stories"))
	assert.False(t, client.IsSubscribed("tasks"))
}
