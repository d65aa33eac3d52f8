package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesOutput(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe("s1")
	defer unsub()

	h.Output("s1", "hello")
	h.Output("s2", "other session")

	select {
	case data := <-ch:
		assert.Equal(t, "hello", data)
	case <-time.After(time.Second):
		t.Fatal("no output received")
	}

	select {
	case data := <-ch:
		t.Fatalf("unexpected data %q", data)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe("s1")
	unsub()

	h.Output("s1", "after unsub")

	select {
	case data, ok := <-ch:
		if ok {
			t.Fatalf("unexpected data %q", data)
		}
	default:
	}
}

func TestExitClosesSubscriptionsAndDone(t *testing.T) {
	h := New()
	ch, _ := h.Subscribe("s1")
	done := h.Done("s1")

	code := 2
	h.Exit("s1", &code)

	_, ok := <-ch
	assert.False(t, ok, "output channel should close on exit")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel not closed")
	}

	require.NotNil(t, h.ExitCode("s1"))
	assert.Equal(t, 2, *h.ExitCode("s1"))
}

func TestDoneBeforeExit(t *testing.T) {
	h := New()
	done := h.Done("s1")

	select {
	case <-done:
		t.Fatal("done closed before exit")
	default:
	}

	h.Exit("s1", nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel not closed")
	}
	assert.Nil(t, h.ExitCode("s1"))
}

func TestSlowSubscriberDrops(t *testing.T) {
	h := New()
	ch, unsub := h.Subscribe("s1")
	defer unsub()

	// Overflow the buffer; sends must not block.
	for i := 0; i < 1000; i++ {
		h.Output("s1", "x")
	}

	assert.Len(t, ch, cap(ch))
}

// Output racing Exit and Forget must never send on a closed channel;
// that panic would take down the output pump's whole process.
func TestConcurrentOutputExitForget(t *testing.T) {
	h := New()
	h.retention = 0

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("s%d", i)
		for j := 0; j < 32; j++ {
			h.Subscribe(id)
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				h.Output(id, "x")
			}
		}()
		go func() {
			defer wg.Done()
			h.Exit(id, nil)
		}()
		go func() {
			defer wg.Done()
			h.Forget(id)
		}()
		wg.Wait()
	}
}

func TestExitStateSwept(t *testing.T) {
	h := New()
	h.retention = 20 * time.Millisecond

	code := 3
	h.Exit("s1", &code)
	require.NotNil(t, h.ExitCode("s1"))

	require.Eventually(t, func() bool {
		return h.ExitCode("s1") == nil
	}, 2*time.Second, 10*time.Millisecond)

	// The swept id behaves like a fresh session.
	select {
	case <-h.Done("s1"):
		t.Fatal("done channel for swept session already closed")
	default:
	}
}

func TestSweepSkipsReusedID(t *testing.T) {
	h := New()
	h.retention = 20 * time.Millisecond

	code := 1
	h.Exit("s1", &code)

	// Delete-and-recreate under the same id before the sweep fires.
	h.Forget("s1")
	fresh := h.Done("s1")

	time.Sleep(100 * time.Millisecond)
	select {
	case <-fresh:
		t.Fatal("sweep for the old generation closed the new done channel")
	default:
	}
}

func TestForget(t *testing.T) {
	h := New()
	ch, _ := h.Subscribe("s1")
	h.Forget("s1")

	_, ok := <-ch
	assert.False(t, ok, "output channel should close on forget")

	// Forgotten state does not leak into a fresh Done channel.
	select {
	case <-h.Done("s1"):
		t.Fatal("fresh done channel already closed")
	default:
	}
}
