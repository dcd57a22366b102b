package notify

import "testing"

func TestPublishFansOutToSubscribers(t *testing.T) {
	s := NewServer()
	a := s.subscribe()
	b := s.subscribe()

	note := &OptimizationNotification{GuestAddr: 0x1000, AccessCount: 11}
	s.Publish(note)

	select {
	case got := <-a:
		if got.GuestAddr != 0x1000 {
			t.Errorf("subscriber a got %+v", got)
		}
	default:
		t.Error("expected subscriber a to receive the notification")
	}
	select {
	case got := <-b:
		if got.GuestAddr != 0x1000 {
			t.Errorf("subscriber b got %+v", got)
		}
	default:
		t.Error("expected subscriber b to receive the notification")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewServer()
	ch := s.subscribe()
	s.unsubscribe(ch)

	s.Publish(&OptimizationNotification{GuestAddr: 1})

	select {
	case <-ch:
		t.Error("expected no delivery after unsubscribe")
	default:
	}
}

func TestPublishDoesNotBlockOnFullQueue(t *testing.T) {
	s := NewServer()
	ch := s.subscribe()

	for i := 0; i < subscriberQueueSize+5; i++ {
		s.Publish(&OptimizationNotification{GuestAddr: uint64(i)})
	}

	if len(ch) != subscriberQueueSize {
		t.Errorf("len(ch) = %d, want %d (queue capped, no blocking)", len(ch), subscriberQueueSize)
	}
}
