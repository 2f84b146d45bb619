package app_test

import (
	"testing"
	"time"

	"quiz-progress-service/internal/app"
	"quiz-progress-service/internal/domain"
)

func TestHubDeliversToAllUserConnections(t *testing.T) {
	hub := app.NewHub()

	tab1, cancel1 := hub.Subscribe("u1")
	defer cancel1()
	tab2, cancel2 := hub.Subscribe("u1")
	defer cancel2()
	other, cancelOther := hub.Subscribe("u2")
	defer cancelOther()

	hub.Publish("u1", domain.UpdateEvent{Type: domain.UpdateProgressRecorded, UserID: "u1", QuestionSetID: "s1"})

	for _, ch := range []<-chan domain.UpdateEvent{tab1, tab2} {
		select {
		case ev := <-ch:
			if ev.QuestionSetID != "s1" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected delivery to every tab")
		}
	}

	select {
	case ev := <-other:
		t.Fatalf("other user must not receive event %+v", ev)
	default:
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := app.NewHub()
	ch, cancel := hub.Subscribe("u1")
	cancel()
	// double cancel is safe
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after cancel")
	}
	if n := hub.SubscriberCount("u1"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	// publishing to a user with no subscribers is a no-op
	hub.Publish("u1", domain.UpdateEvent{Type: domain.UpdateProgressRecorded, UserID: "u1"})
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	hub := app.NewHub()
	ch, cancel := hub.Subscribe("u1")
	defer cancel()

	// overflow the buffer; Publish must never block
	for i := 0; i < 50; i++ {
		hub.Publish("u1", domain.UpdateEvent{Type: domain.UpdateProgressRecorded, UserID: "u1", Source: "flood"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained > 8 {
		t.Fatalf("expected between 1 and buffer-size events, got %d", drained)
	}
}
