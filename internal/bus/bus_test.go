package bus

import "testing"

func TestPublishReachesAllObservers(t *testing.T) {
	b := New()
	defer b.Close()

	first, cancelFirst := b.Subscribe(4)
	second, _ := b.Subscribe(4)

	b.Publish(Event{Kind: KindMissionCreated, MissionID: "m1"})

	for i, ch := range []<-chan Event{first, second} {
		select {
		case event := <-ch:
			if event.Kind != KindMissionCreated || event.MissionID != "m1" {
				t.Errorf("observer %d event = %+v", i, event)
			}
		default:
			t.Errorf("observer %d received nothing", i)
		}
	}

	cancelFirst()
	b.Publish(Event{Kind: KindTaskUpdated})
	select {
	case event, ok := <-first:
		if ok {
			t.Errorf("cancelled observer received %+v", event)
		}
	default:
		t.Error("cancelled observer channel should be closed")
	}
	if event := <-second; event.Kind != KindTaskUpdated {
		t.Errorf("surviving observer event = %+v", event)
	}
}

func TestPublishDropsWhenObserverFull(t *testing.T) {
	b := New()
	defer b.Close()

	ch, _ := b.Subscribe(1)
	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"}) // dropped, buffer full

	if event := <-ch; event.Kind != "first" {
		t.Errorf("event = %+v", event)
	}
	select {
	case event := <-ch:
		t.Errorf("unexpected second event %+v", event)
	default:
	}
}

func TestCrabInboxDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	inbox := b.CrabInbox("crab-1")
	b.NotifyCrab("crab-1", Assignment{TaskID: "t1", MissionID: "m1"})
	b.NotifyCrab("crab-2", Assignment{TaskID: "t2"}) // different crab

	select {
	case assignment := <-inbox:
		if assignment.TaskID != "t1" {
			t.Errorf("assignment = %+v", assignment)
		}
	default:
		t.Fatal("no assignment delivered")
	}
	select {
	case assignment := <-inbox:
		t.Errorf("crab-1 received crab-2's assignment %+v", assignment)
	default:
	}

	// NotifyCrab before CrabInbox still lands in the same channel.
	b.NotifyCrab("crab-3", Assignment{TaskID: "t3"})
	if assignment := <-b.CrabInbox("crab-3"); assignment.TaskID != "t3" {
		t.Errorf("assignment = %+v", assignment)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe(1)
	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	// Publishing after close is a no-op.
	b.Publish(Event{Kind: "late"})
}
