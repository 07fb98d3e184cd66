package queue

import (
	"sync"
	"testing"
)

func TestBoundedPushPop(t *testing.T) {
	q, ok := NewBounded(4)
	if !ok {
		t.Fatal("NewBounded failed")
	}

	var v uint64
	if q.TryPop(&v) {
		t.Fatal("pop from empty queue succeeded")
	}

	for i := uint64(1); i <= 4; i++ {
		if !q.TryPush(i) {
			t.Fatalf("push %d failed below capacity", i)
		}
	}

	if q.TryPush(5) {
		t.Fatal("push beyond capacity succeeded")
	}

	// LIFO order.
	for want := uint64(4); want >= 1; want-- {
		if !q.TryPop(&v) {
			t.Fatalf("pop %d failed", want)
		}
		if v != want {
			t.Fatalf("popped %d, want %d", v, want)
		}
	}

	if q.TryPop(&v) {
		t.Fatal("pop from drained queue succeeded")
	}
}

func TestBoundedReusesNodes(t *testing.T) {
	q, ok := NewBounded(2)
	if !ok {
		t.Fatal("NewBounded failed")
	}

	var v uint64
	for round := 0; round < 1000; round++ {
		if !q.TryPush(uint64(round)) {
			t.Fatalf("push failed on round %d", round)
		}
		if !q.TryPop(&v) || v != uint64(round) {
			t.Fatalf("pop got %d on round %d", v, round)
		}
	}
}

func TestBoundedRejectsZeroCapacity(t *testing.T) {
	if _, ok := NewBounded(0); ok {
		t.Fatal("zero-capacity queue created")
	}
	if _, ok := NewMPMC(0); ok {
		t.Fatal("zero-capacity MPMC queue created")
	}
}

func TestMPMCSingleThreaded(t *testing.T) {
	q, ok := NewMPMC(8)
	if !ok {
		t.Fatal("NewMPMC failed")
	}

	var v uint64
	if q.TryPop(&v) {
		t.Fatal("pop from empty queue succeeded")
	}

	for i := uint64(0); i < 8; i++ {
		if !q.TryPush(i) {
			t.Fatalf("push %d failed", i)
		}
	}

	if q.TryPush(99) {
		t.Fatal("push beyond capacity succeeded")
	}

	// FIFO order.
	for want := uint64(0); want < 8; want++ {
		if !q.TryPop(&v) {
			t.Fatalf("pop %d failed", want)
		}
		if v != want {
			t.Fatalf("popped %d, want %d", v, want)
		}
	}
}

func TestMPMCWrapsAround(t *testing.T) {
	q, ok := NewMPMC(4)
	if !ok {
		t.Fatal("NewMPMC failed")
	}

	var v uint64
	for lap := uint64(0); lap < 100; lap++ {
		for i := uint64(0); i < 4; i++ {
			if !q.TryPush(lap*4 + i) {
				t.Fatalf("push failed at lap %d", lap)
			}
		}
		for i := uint64(0); i < 4; i++ {
			if !q.TryPop(&v) || v != lap*4+i {
				t.Fatalf("pop got %d at lap %d index %d", v, lap, i)
			}
		}
	}
}

func TestMPMCConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perWorker = 20000
	)

	q, ok := NewMPMC(1024)
	if !ok {
		t.Fatal("NewMPMC failed")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		received = make(map[uint64]int)
		total    int
	)

	wg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer wg.Done()

			local := make(map[uint64]int)
			count := 0

			for count < producers*perWorker/consumers {
				var v uint64
				if q.TryPop(&v) {
					local[v]++
					count++
				}
			}

			mu.Lock()
			for k, n := range local {
				received[k] += n
			}
			total += count
			mu.Unlock()
		}()
	}

	var pwg sync.WaitGroup
	pwg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer pwg.Done()

			for i := 0; i < perWorker; i++ {
				v := uint64(p*perWorker + i + 1)
				for !q.TryPush(v) {
				}
			}
		}(p)
	}

	pwg.Wait()
	wg.Wait()

	if total != producers*perWorker {
		t.Fatalf("consumed %d values, want %d", total, producers*perWorker)
	}

	for k, n := range received {
		if n != 1 {
			t.Fatalf("value %d consumed %d times", k, n)
		}
	}
}

func TestMPMCSize(t *testing.T) {
	q, _ := NewMPMC(16)

	for i := uint64(0); i < 5; i++ {
		q.TryPush(i)
	}

	if got := q.Size(); got != 5 {
		t.Fatalf("Size = %d, want 5", got)
	}
}

func TestQueueInterfaces(t *testing.T) {
	var _ Queue = &Bounded{}
	var _ Queue = &MPMC{}
}
