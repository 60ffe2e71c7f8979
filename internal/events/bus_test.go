package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/receipts-go/internal/job"
)

func TestTopic_PublishInOrder(t *testing.T) {
	bus := New()

	var got []string

	bus.JobStatusChanged.Subscribe(func(ev JobStatusChanged) {
		got = append(got, "a:"+ev.Status.JobID)
	})
	bus.JobStatusChanged.Subscribe(func(ev JobStatusChanged) {
		got = append(got, "b:"+ev.Status.JobID)
	})

	bus.JobStatusChanged.Publish(JobStatusChanged{Status: job.Status{JobID: "j1"}})

	assert.Equal(t, []string{"a:j1", "b:j1"}, got)
}

func TestTopic_CancelIsIdempotent(t *testing.T) {
	var topic Topic[SessionEnded]

	calls := 0
	cancel := topic.Subscribe(func(SessionEnded) { calls++ })

	topic.Publish(SessionEnded{Reason: "first"})
	cancel()
	cancel()
	topic.Publish(SessionEnded{Reason: "second"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, topic.Len())
}

func TestTopic_UnsubscribeFromHandler(t *testing.T) {
	var topic Topic[SessionEnded]

	calls := 0

	var cancel func()
	cancel = topic.Subscribe(func(SessionEnded) {
		calls++
		cancel()
	})

	topic.Publish(SessionEnded{})
	topic.Publish(SessionEnded{})

	assert.Equal(t, 1, calls)
}

func TestTopic_ConcurrentPublish(t *testing.T) {
	var topic Topic[JobStatusChanged]

	var (
		mu    sync.Mutex
		count int
	)

	topic.Subscribe(func(JobStatusChanged) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			topic.Publish(JobStatusChanged{})
		}()
	}

	wg.Wait()
	assert.Equal(t, 50, count)
}
