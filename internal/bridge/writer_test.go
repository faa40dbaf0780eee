package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/moneycoach/internal/observe"
	"github.com/MrWong99/moneycoach/pkg/memory"
	"github.com/MrWong99/moneycoach/pkg/memory/mock"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// writeCount returns moneycoach.memory.writes for the given status.
func writeCount(t *testing.T, reader *sdkmetric.ManualReader, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "moneycoach.memory.writes" {
				continue
			}
			sum := m.Data.(metricdata.Sum[int64])
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("status")); ok && v.AsString() == status {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// flakyStore fails the first failures writes.
type flakyStore struct {
	mock.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) Write(ctx context.Context, userID string, turns []memory.Message, md map[string]any) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("db unavailable")
	}
	return f.Store.Write(ctx, userID, turns, md)
}

func runWriter(t *testing.T, w *Writer) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestWriter_DrainsOnClose(t *testing.T) {
	store := &mock.Store{}
	met, reader := newTestMetrics(t)
	w := NewWriter(store, WriterConfig{QueueSize: 16, Workers: 3, Metrics: met})

	for i := range 10 {
		if err := w.Enqueue(Job{UserID: "u", Turns: []memory.Message{{Role: "user", Content: string(rune('a' + i))}}}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(store.Writes()); got != 10 {
		t.Errorf("writes = %d, want 10", got)
	}
	if got := writeCount(t, reader, observe.StatusOK); got != 10 {
		t.Errorf("ok metric = %d, want 10", got)
	}
	if err := w.Enqueue(Job{UserID: "u"}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrWriterClosed", err)
	}
}

func TestWriter_DropsWhenFull(t *testing.T) {
	met, reader := newTestMetrics(t)
	w := NewWriter(&mock.Store{}, WriterConfig{QueueSize: 2, Metrics: met})

	for i := range 2 {
		if err := w.Enqueue(Job{UserID: "u"}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := w.Enqueue(Job{UserID: "u"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full queue = %v, want ErrQueueFull", err)
	}
	if got := w.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	if got := writeCount(t, reader, observe.StatusDropped); got != 1 {
		t.Errorf("dropped metric = %d, want 1", got)
	}
}

func TestWriter_Retries(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		retries    int
		wantWrites int
		wantStatus string
	}{
		{name: "succeeds after retry", failures: 1, retries: 2, wantWrites: 1, wantStatus: observe.StatusOK},
		{name: "gives up", failures: 5, retries: 1, wantWrites: 0, wantStatus: observe.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{failures: tt.failures}
			met, reader := newTestMetrics(t)
			w := NewWriter(store, WriterConfig{Workers: 1, Retries: tt.retries, Backoff: time.Millisecond, Metrics: met})
			if err := w.Enqueue(Job{UserID: "u"}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			errc := make(chan error, 1)
			go func() { errc <- w.Run(context.Background()) }()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.Close(ctx); err != nil {
				t.Fatalf("Close: %v", err)
			}
			<-errc

			if got := len(store.Writes()); got != tt.wantWrites {
				t.Errorf("writes = %d, want %d", got, tt.wantWrites)
			}
			if got := writeCount(t, reader, tt.wantStatus); got != 1 {
				t.Errorf("%s metric = %d, want 1", tt.wantStatus, got)
			}
		})
	}
}

func TestWriter_CloseTimeoutAborts(t *testing.T) {
	block := make(chan struct{})
	slow := &blockingStore{Store: &mock.Store{}, release: block}

	met, _ := newTestMetrics(t)
	w := NewWriter(slow, WriterConfig{Workers: 1, Metrics: met})
	_ = w.Enqueue(Job{UserID: "u"})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want DeadlineExceeded", err)
	}
	close(block)
	<-errc
}

func TestWriter_CloseWithoutRun(t *testing.T) {
	w := NewWriter(&mock.Store{}, WriterConfig{})
	if err := w.Close(context.Background()); err != nil {
		t.Errorf("Close = %v", err)
	}
}

// blockingStore blocks writes until ctx ends or release is closed.
type blockingStore struct {
	*mock.Store
	release chan struct{}
}

func (b *blockingStore) Write(ctx context.Context, userID string, turns []memory.Message, md map[string]any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.release:
		return b.Store.Write(ctx, userID, turns, md)
	}
}
