package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vedprakash-m/vigor-gateway/adapters"
)

func reqWith(prompt string) *adapters.Request {
	return &adapters.Request{Prompt: prompt, TaskType: "chat", UserID: "u1"}
}

func TestNormalize(t *testing.T) {
	if Normalize("  Say   Hi\n") != "say hi" {
		t.Errorf("Normalize = %q", Normalize("  Say   Hi\n"))
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := reqWith("Say hi")
	b := reqWith("  say   HI ")
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("normalised prompts must fingerprint identically")
	}
}

func TestFingerprint_ExcludesUser(t *testing.T) {
	a := reqWith("Say hi")
	b := reqWith("Say hi")
	b.UserID = "someone-else"
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint is content-addressed across users")
	}
}

func TestFingerprint_SensitiveToOptions(t *testing.T) {
	a := reqWith("Say hi")
	b := reqWith("Say hi")
	mt := 100
	b.MaxTokens = &mt
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("max_tokens must change the fingerprint")
	}
	c := reqWith("Say hi")
	c.TaskType = "workout"
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("task_type must change the fingerprint")
	}
	d := reqWith("Say hi")
	d.Stream = true
	if Fingerprint(a) == Fingerprint(d) {
		t.Error("stream flag must change the fingerprint")
	}
}

func TestCacheable(t *testing.T) {
	req := reqWith("x")
	if Cacheable(req, &adapters.Response{TokensUsed: 0}) {
		t.Error("zero-token responses are not cacheable")
	}
	if !Cacheable(req, &adapters.Response{TokensUsed: 3}) {
		t.Error("billable responses are cacheable")
	}
	streaming := reqWith("x")
	streaming.Stream = true
	if Cacheable(streaming, &adapters.Response{TokensUsed: 3}) {
		t.Error("streaming responses are not cacheable")
	}
}

func TestMemory_SetAndGet(t *testing.T) {
	m := NewMemory(10, time.Minute)
	m.Set("k", &adapters.Response{Content: "hello", TokensUsed: 2})
	got, ok := m.Get("k")
	if !ok || got.Content != "hello" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("expected miss")
	}
}

func TestMemory_TTLExpiration(t *testing.T) {
	m := NewMemory(10, time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }
	m.Set("k", &adapters.Response{TokensUsed: 1})

	now = now.Add(time.Minute + time.Second)
	if _, ok := m.Get("k"); ok {
		t.Error("expected miss after TTL")
	}
	if m.Len() != 0 {
		t.Error("expired entry should be evicted on access")
	}
}

func TestMemory_LRUEviction(t *testing.T) {
	m := NewMemory(2, time.Minute)
	m.Set("a", &adapters.Response{TokensUsed: 1})
	m.Set("b", &adapters.Response{TokensUsed: 1})
	m.Get("a") // "b" is now least recently used
	m.Set("c", &adapters.Response{TokensUsed: 1})

	if _, ok := m.Get("b"); ok {
		t.Error("expected b evicted")
	}
	if _, ok := m.Get("a"); !ok {
		t.Error("expected a retained")
	}
}

func TestCache_SingleFlight(t *testing.T) {
	c := New(NewMemory(100, time.Minute))
	req := reqWith("expensive prompt")

	var calls atomic.Int32
	release := make(chan struct{})

	const n = 10
	var wg sync.WaitGroup
	results := make([]*adapters.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Do(req, func() (*adapters.Response, error) {
				calls.Add(1)
				<-release
				return &adapters.Response{Content: "shared", TokensUsed: 5}, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			results[i] = resp
		}(i)
	}

	// Give every goroutine a chance to join the flight before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("generate ran %d times, want 1", got)
	}
	for i, r := range results {
		if r == nil || r.Content != "shared" {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	// The flight's success is observable via Get afterwards.
	if _, ok := c.Get(req); !ok {
		t.Error("expected value cached after flight")
	}
}

func TestCache_DoPropagatesError(t *testing.T) {
	c := New(NewMemory(100, time.Minute))
	req := reqWith("failing prompt")
	wantErr := errors.New("upstream down")
	_, err := c.Do(req, func() (*adapters.Response, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
	if _, ok := c.Get(req); ok {
		t.Error("failed flights must not populate the cache")
	}
}

func TestCache_PutSkipsNonCacheable(t *testing.T) {
	c := New(NewMemory(100, time.Minute))
	req := reqWith("p")
	c.Put(req, &adapters.Response{TokensUsed: 0})
	if _, ok := c.Get(req); ok {
		t.Error("zero-token response must not be cached")
	}
}
