package events

import (
	"testing"
	"time"

	"github.com/nebari-dev/launchpad/internal/models"
)

func recv(t *testing.T, ch chan Event) (Event, bool) {
	t.Helper()
	select {
	case e, ok := <-ch:
		return e, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}, false
	}
}

func TestBroker_PublishToSubscribers(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("job_1")
	other := b.Subscribe("job_2")

	b.JobChanged(&models.Job{ID: "job_1", Status: models.JobStatusActive, Attempts: 1})

	e, ok := recv(t, ch)
	if !ok || e.Status != models.JobStatusActive || e.Attempts != 1 {
		t.Errorf("unexpected event %+v ok=%v", e, ok)
	}
	select {
	case e := <-other:
		t.Errorf("job_2 subscriber received %+v", e)
	default:
	}
}

func TestBroker_TerminalEventClosesStream(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("job_1")

	b.JobChanged(&models.Job{ID: "job_1", Status: models.JobStatusCompleted})

	e, ok := recv(t, ch)
	if !ok || !e.Terminal() {
		t.Fatalf("expected terminal event, got %+v ok=%v", e, ok)
	}
	if _, ok := recv(t, ch); ok {
		t.Error("channel should be closed after a terminal event")
	}
	if b.HasSubscribers("job_1") {
		t.Error("subscriptions should be dropped")
	}

	// Unsubscribing after the close is harmless
	b.Unsubscribe("job_1", ch)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("job_1")
	b.Unsubscribe("job_1", ch)

	if b.HasSubscribers("job_1") {
		t.Error("expected no subscribers")
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

func TestChannel(t *testing.T) {
	if got := Channel("job_1"); got != "jobs:job_1" {
		t.Errorf("Channel = %q", got)
	}
}
