package notify

import "testing"

func TestNotifier_InvokesAllListeners(t *testing.T) {
	n := New(nil, nil)
	var order []int
	n.Add(func() { order = append(order, 1) })
	n.Add(func() { order = append(order, 2) })
	n.Add(func() { order = append(order, 3) })

	n.Notify()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("listeners ran as %v, want registration order", order)
	}
}

func TestNotifier_Remove(t *testing.T) {
	n := New(nil, nil)
	var calls int
	id := n.Add(func() { calls++ })
	n.Add(func() { calls++ })

	n.Remove(id)
	n.Remove(id)
	n.Notify()

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n.Len() != 1 {
		t.Errorf("Len() = %d, want 1", n.Len())
	}
}

func TestNotifier_PanicDoesNotStopOthers(t *testing.T) {
	n := New(nil, nil)
	var after bool
	n.Add(func() { panic("listener bug") })
	n.Add(func() { after = true })

	n.Notify()

	if !after {
		t.Error("listener after the panicking one did not run")
	}
}

func TestNotifier_ListenerCanRemoveItself(t *testing.T) {
	n := New(nil, nil)
	var calls int
	var id int
	id = n.Add(func() {
		calls++
		n.Remove(id)
	})

	n.Notify()
	n.Notify()

	if calls != 1 {
		t.Errorf("one-shot listener ran %d times", calls)
	}
}

func TestNotifier_EmptyNotifyIsNoop(t *testing.T) {
	n := New(nil, nil)
	n.Notify()
}
