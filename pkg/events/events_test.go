// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	bus := NewBus(4)
	var mu sync.Mutex
	var got []Topic

	unsub := bus.Subscribe(SinkFunc(func(e Event) {
		mu.Lock()
		got = append(got, e.Topic)
		mu.Unlock()
	}))
	defer unsub()

	bus.Publish(EntryStored, map[string]any{"id": "x"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == EntryStored
	}, time.Second, 5*time.Millisecond)
}

func TestPublish_NonBlockingOnFullQueue(t *testing.T) {
	bus := NewBus(1)
	block := make(chan struct{})
	unsub := bus.Subscribe(SinkFunc(func(e Event) {
		<-block
	}))
	defer func() {
		close(block)
		unsub()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(EntryStored, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	require.Greater(t, bus.Dropped(), int64(0))
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := NewBus(4)
	var count int
	var mu sync.Mutex
	unsub := bus.Subscribe(SinkFunc(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	bus.Publish(EntryStored, nil)
	time.Sleep(20 * time.Millisecond)
	unsub()
	bus.Publish(EntryStored, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestPrometheusSink_IncrementsCounterByTopic(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink("testns", reg)
	bus := NewBus(4)
	unsub := bus.Subscribe(sink)
	defer unsub()

	bus.Publish(EntryStored, nil)
	bus.Publish(EntryStored, nil)
	bus.Publish(EntryDeleted, nil)

	require.Eventually(t, func() bool {
		metrics, err := reg.Gather()
		require.NoError(t, err)
		var total float64
		for _, mf := range metrics {
			if mf.GetName() == "testns_events_total" {
				for _, m := range mf.GetMetric() {
					total += m.GetCounter().GetValue()
				}
			}
		}
		return total == 3
	}, time.Second, 5*time.Millisecond)
}
