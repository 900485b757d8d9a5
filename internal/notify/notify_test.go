package notify

import "testing"

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	q.Notify(Notification{Message: "one"})
	q.Notify(Notification{Message: "two"})
	q.Notify(Notification{Message: "three"})

	first := <-q.C()
	second := <-q.C()
	if first.Message != "two" || second.Message != "three" {
		t.Errorf("expected two, three; got %q, %q", first.Message, second.Message)
	}
	if first.At.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestNotificationString(t *testing.T) {
	tests := []struct {
		name string
		n    Notification
		want string
	}{
		{"global", Notification{Level: LevelInfo, Message: "connected"}, "[info] connected"},
		{"session", Notification{Level: LevelWarn, SessionID: "s1", Message: "reconnect failed"}, "[warn] s1: reconnect failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.n.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecorderCount(t *testing.T) {
	var r Recorder
	r.Notify(Notification{Level: LevelWarn})
	r.Notify(Notification{Level: LevelWarn})
	r.Notify(Notification{Level: LevelError})
	if got := r.Count(LevelWarn); got != 2 {
		t.Errorf("Count(warn) = %d, want 2", got)
	}
	if got := len(r.All()); got != 3 {
		t.Errorf("All() len = %d, want 3", got)
	}
}
