package virtiofwd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventfdMessengerSendWithoutHandlerFails(t *testing.T) {
	m, err := NewEventfdMessenger()
	require.NoError(t, err)
	defer m.Close()

	err = m.Send(5, Message{Event: EventNotifyBackendPoll, VirtioID: 1})
	assert.Error(t, err)
}

func TestEventfdMessengerDeliversToHandler(t *testing.T) {
	m, err := NewEventfdMessenger()
	require.NoError(t, err)
	defer m.Close()

	var mu sync.Mutex
	var got []Message
	done := make(chan struct{}, 1)
	m.Handle(3, func(msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.Send(3, Message{Event: EventInjectInterrupt, VirtioID: 42}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(42), got[0].VirtioID)
	assert.Equal(t, EventInjectInterrupt, got[0].Event)
}
