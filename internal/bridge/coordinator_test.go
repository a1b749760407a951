package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestExternalQueueOneEntryPerTicket(t *testing.T) {
	c := NewCoordinator()
	c.RequestExternal("t1", TriggerManual)
	c.RequestExternal("t1", TriggerAuto)
	c.RequestExternal("t2", TriggerAuto)

	lease1, ok := c.NextExternal(context.Background())
	if !ok {
		t.Fatal("no lease")
	}
	if lease1.Request.TicketID != "t1" || lease1.Request.Trigger != TriggerManual {
		t.Fatalf("request = %+v, want first t1 manual", lease1.Request)
	}
	lease2, ok := c.NextExternal(context.Background())
	if !ok || lease2.Request.TicketID != "t2" {
		t.Fatalf("second dequeue = %+v ok=%v", lease2, ok)
	}
	if _, ok := c.NextExternal(context.Background()); ok {
		t.Fatal("queue should be empty")
	}
	lease1.Release()
	lease2.Release()
}

func TestExternalDequeueDropsLockedTickets(t *testing.T) {
	c := NewCoordinator()
	busy, err := c.TryInstant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TryInstant: %v", err)
	}

	c.RequestExternal("t1", TriggerAuto)
	c.RequestExternal("t2", TriggerAuto)

	lease, ok := c.NextExternal(context.Background())
	if !ok || lease.Request.TicketID != "t2" {
		t.Fatalf("dequeue = %+v ok=%v, want t2", lease, ok)
	}
	lease.Release()
	busy.Release()

	// t1 was dropped, not deferred: the queue is empty now.
	if _, ok := c.NextExternal(context.Background()); ok {
		t.Fatal("t1 should have been dropped on conflict")
	}
}

func TestScheduledDequeueDiscardsLocked(t *testing.T) {
	c := NewCoordinator()
	busy, err := c.TryInstant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TryInstant: %v", err)
	}
	c.RequestScheduled("t1")
	c.RequestScheduled("t2")
	c.RequestScheduled("t2")

	lease, ok := c.NextScheduled(context.Background())
	if !ok || lease.Request.TicketID != "t2" {
		t.Fatalf("dequeue = %+v ok=%v, want t2", lease, ok)
	}
	if lease.Request.Trigger != TriggerSchedule {
		t.Fatalf("trigger = %v", lease.Request.Trigger)
	}
	lease.Release()
	busy.Release()
	if _, ok := c.NextScheduled(context.Background()); ok {
		t.Fatal("queue should be empty")
	}
}

func TestTryInstantBusy(t *testing.T) {
	c := NewCoordinator()
	lease, err := c.TryInstant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TryInstant: %v", err)
	}
	if _, err := c.TryInstant(context.Background(), "t1"); err != ErrTicketBusy {
		t.Fatalf("err = %v, want ErrTicketBusy", err)
	}
	lease.Release()
	if _, err := c.TryInstant(context.Background(), "t1"); err != nil {
		t.Fatalf("TryInstant after release: %v", err)
	}
}

func TestReleaseCleansQueues(t *testing.T) {
	c := NewCoordinator()
	lease, err := c.TryInstant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TryInstant: %v", err)
	}
	// Requests arriving mid-flight are cleaned up on release.
	c.RequestExternal("t1", TriggerAuto)
	c.RequestScheduled("t1")
	lease.Release()

	external, scheduled, active := c.Depths()
	if external != 0 || scheduled != 0 || active != 0 {
		t.Fatalf("depths = %d/%d/%d, want 0/0/0", external, scheduled, active)
	}
}

func TestStopAllDrainsActiveSyncs(t *testing.T) {
	c := NewCoordinator()
	lease, err := c.TryInstant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TryInstant: %v", err)
	}

	var released atomic.Bool
	go func() {
		<-lease.Ctx.Done()
		time.Sleep(10 * time.Millisecond)
		released.Store(true)
		lease.Release()
	}()

	c.StopAll()
	if !released.Load() {
		t.Fatal("StopAll returned before the active sync released")
	}
}

func TestStopOneCancelsSingleTicket(t *testing.T) {
	c := NewCoordinator()
	lease1, _ := c.TryInstant(context.Background(), "t1")
	lease2, _ := c.TryInstant(context.Background(), "t2")

	c.StopOne("t1")
	if lease1.Ctx.Err() == nil {
		t.Fatal("t1 not cancelled")
	}
	if lease2.Ctx.Err() != nil {
		t.Fatal("t2 cancelled too")
	}
	lease1.Release()
	lease2.Release()
}
