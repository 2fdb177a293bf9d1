package request

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// sleepHandler writes body after delay unless its context ends first
func sleepHandler(delay time.Duration, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-r.Context().Done():
			return
		case <-timer.C:
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(body))
	})
}

type resolution struct {
	outcome Outcome
	elapsed time.Duration
	calls   int
}

func recordResolve(res *resolution) func(*http.Request, Outcome, time.Duration) {
	var mu sync.Mutex
	return func(_ *http.Request, outcome Outcome, elapsed time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		res.outcome = outcome
		res.elapsed = elapsed
		res.calls++
	}
}

func TestWithTimeout(t *testing.T) {
	tests := []struct {
		name        string
		timeout     time.Duration
		delay       time.Duration
		status      int
		wantStatus  int
		wantBody    string
		wantOutcome Outcome
	}{
		{
			name:        "completes within timeout",
			timeout:     100 * time.Millisecond,
			delay:       20 * time.Millisecond,
			wantStatus:  http.StatusOK,
			wantBody:    "Hello, axum!",
			wantOutcome: OutcomeCompleted,
		},
		{
			name:        "exceeds timeout",
			timeout:     50 * time.Millisecond,
			delay:       200 * time.Millisecond,
			wantStatus:  http.StatusRequestTimeout,
			wantOutcome: OutcomeTimeout,
		},
		{
			name:        "custom timeout status",
			timeout:     20 * time.Millisecond,
			delay:       200 * time.Millisecond,
			status:      http.StatusGatewayTimeout,
			wantStatus:  http.StatusGatewayTimeout,
			wantOutcome: OutcomeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res resolution
			handler := WithTimeout(TimeoutConfig{
				Timeout:   tt.timeout,
				Status:    tt.status,
				Header:    DefaultTimeoutHeader,
				OnResolve: recordResolve(&res),
			})(sleepHandler(tt.delay, "Hello, axum!"))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			w := httptest.NewRecorder()

			start := time.Now()
			handler.ServeHTTP(w, req)
			took := time.Since(start)

			if w.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get(DefaultTimeoutHeader); got != tt.timeout.String() {
				t.Errorf("got %s %q, want %q", DefaultTimeoutHeader, got, tt.timeout.String())
			}
			if res.calls != 1 {
				t.Fatalf("OnResolve called %d times, want 1", res.calls)
			}
			if res.outcome != tt.wantOutcome {
				t.Errorf("got outcome %q, want %q", res.outcome, tt.wantOutcome)
			}

			if tt.wantOutcome == OutcomeCompleted {
				if w.Body.String() != tt.wantBody {
					t.Errorf("got body %q, want %q", w.Body.String(), tt.wantBody)
				}
				if got := w.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
					t.Errorf("handler header not copied, got Content-Type %q", got)
				}
				return
			}

			// The deadline decides the response, not the handler
			if took >= tt.delay {
				t.Errorf("timeout response took %v, handler delay was %v", took, tt.delay)
			}
			if res.elapsed < tt.timeout {
				t.Errorf("elapsed %v shorter than timeout %v", res.elapsed, tt.timeout)
			}

			var body map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode timeout body: %v", err)
			}
			if body["error_type"] != "timeout" || body["status"] != "error" {
				t.Errorf("unexpected timeout body %v", body)
			}
		})
	}
}

func TestWithTimeoutCancelsHandler(t *testing.T) {
	canceled := make(chan struct{})
	handler := WithTimeout(TimeoutConfig{Timeout: 20 * time.Millisecond})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			close(canceled)
		}),
	)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled after timeout")
	}
}

func TestWithTimeoutTieGoesToTimeout(t *testing.T) {
	var res resolution
	timeout := 30 * time.Millisecond

	// Ignores its context and finishes no earlier than the deadline
	handler := WithTimeout(TimeoutConfig{Timeout: timeout, OnResolve: recordResolve(&res)})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(timeout)
			w.Write([]byte("Hello, axum!"))
		}),
	)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		if w.Code != http.StatusRequestTimeout {
			t.Errorf("run %d: got status %d, want %d", i, w.Code, http.StatusRequestTimeout)
		}
		if res.outcome != OutcomeTimeout {
			t.Errorf("run %d: got outcome %q, want %q", i, res.outcome, OutcomeTimeout)
		}
	}
}

func TestWithTimeoutLateWrite(t *testing.T) {
	release := make(chan struct{})
	errCh := make(chan error, 1)

	handler := WithTimeout(TimeoutConfig{Timeout: 10 * time.Millisecond})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			<-release
			_, err := w.Write([]byte("too late"))
			errCh <- err
		}),
	)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	close(release)

	if err := <-errCh; err != http.ErrHandlerTimeout {
		t.Errorf("late write error = %v, want %v", err, http.ErrHandlerTimeout)
	}
	if w.Code != http.StatusRequestTimeout {
		t.Errorf("got status %d, want %d", w.Code, http.StatusRequestTimeout)
	}
}

func TestWithTimeoutPanicPropagates(t *testing.T) {
	handler := WithTimeout(TimeoutConfig{Timeout: time.Second})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}),
	)

	defer func() {
		if p := recover(); p != "boom" {
			t.Errorf("recovered %v, want boom", p)
		}
	}()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	t.Error("expected panic")
}

func TestWithTimeoutClientCanceled(t *testing.T) {
	var res resolution
	handler := WithTimeout(TimeoutConfig{Timeout: time.Second, OnResolve: recordResolve(&res)})(
		sleepHandler(2*time.Second, "Hello, axum!"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	time.AfterFunc(10*time.Millisecond, cancel)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if res.outcome != OutcomeCanceled {
		t.Errorf("got outcome %q, want %q", res.outcome, OutcomeCanceled)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}
}

func TestWithTimeoutAlreadyCanceled(t *testing.T) {
	handlers := map[string]http.Handler{
		"handler honours context": sleepHandler(2*time.Second, "Hello, axum!"),
		"handler ignores context": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("Hello, axum!"))
		}),
	}

	for name, next := range handlers {
		t.Run(name, func(t *testing.T) {
			var res resolution
			handler := WithTimeout(TimeoutConfig{Timeout: time.Second, OnResolve: recordResolve(&res)})(next)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			// Either select branch may win; both must report a cancel
			for i := 0; i < 200; i++ {
				w := httptest.NewRecorder()
				handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

				if res.outcome != OutcomeCanceled {
					t.Fatalf("run %d: got outcome %q, want %q", i, res.outcome, OutcomeCanceled)
				}
				if w.Body.Len() != 0 || w.Header().Get("Content-Type") != "" {
					t.Fatalf("run %d: response written for canceled request: %q", i, w.Body.String())
				}
			}
		})
	}
}

func TestWithTimeoutConcurrent(t *testing.T) {
	const n = 25
	timeout := 50 * time.Millisecond
	slack := 250 * time.Millisecond

	srv := httptest.NewServer(WithTimeout(TimeoutConfig{Timeout: timeout})(
		sleepHandler(2*time.Second, "Hello, axum!"),
	))
	defer srv.Close()

	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			resp, err := srv.Client().Get(srv.URL)
			if err != nil {
				errs <- err.Error()
				return
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusRequestTimeout {
				errs <- "unexpected status " + resp.Status
			}
			if took := time.Since(start); took > timeout+slack {
				errs <- "response took " + took.String()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}

func TestWithTimeoutChain(t *testing.T) {
	handler := WithRequestID(WithTimeout(TimeoutConfig{Timeout: 20 * time.Millisecond})(
		sleepHandler(200*time.Millisecond, "Hello, axum!"),
	))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "chain-id")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestTimeout {
		t.Errorf("got status %d, want %d", w.Code, http.StatusRequestTimeout)
	}
	if got := w.Header().Get(RequestIDHeader); got != "chain-id" {
		t.Errorf("request ID lost on timeout response, got %q", got)
	}
}
