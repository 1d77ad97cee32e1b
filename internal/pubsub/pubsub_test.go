package pubsub

import (
	"sync"
	"testing"
)

func TestSubscribeAndPublishExact(t *testing.T) {
	s := New(nil, 0)

	var mu sync.Mutex
	var got []byte
	s.Subscribe("news", Subscriber{ConnID: 1, ThreadID: 0, Deliver: func(channel string, payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
	}})

	n := s.Publish("news", []byte("hello"))
	if n != 1 {
		t.Fatalf("expected 1 subscriber messaged, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello" {
		t.Errorf("expected payload hello, got %q", got)
	}
}

func TestPSubscribeGlob(t *testing.T) {
	s := New(nil, 0)

	delivered := 0
	var mu sync.Mutex
	s.PSubscribe("news.*", Subscriber{ConnID: 1, ThreadID: 0, Deliver: func(channel string, payload []byte) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}})

	s.Publish("news.sports", []byte("x"))
	s.Publish("other", []byte("x"))

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Errorf("expected exactly 1 delivery via pattern match, got %d", delivered)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New(nil, 0)
	s.Subscribe("ch", Subscriber{ConnID: 7, ThreadID: 0, Deliver: func(string, []byte) {}})
	s.Unsubscribe("ch", 7)

	if n := s.Publish("ch", []byte("x")); n != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", n)
	}
}

func TestFetchSubscribersSortedByThread(t *testing.T) {
	s := New(nil, 0)
	s.Subscribe("ch", Subscriber{ConnID: 1, ThreadID: 2})
	s.Subscribe("ch", Subscriber{ConnID: 2, ThreadID: 0})
	s.Subscribe("ch", Subscriber{ConnID: 3, ThreadID: 1})

	subs := s.FetchSubscribers("ch")
	for i := 1; i < len(subs); i++ {
		if subs[i-1].ThreadID > subs[i].ThreadID {
			t.Fatalf("subscribers not sorted by thread id: %+v", subs)
		}
	}
}
