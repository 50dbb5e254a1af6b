package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-ticketchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestPersister(t *testing.T) *persister {
	return newPersister("42", testutil.TestLogger(t), noop.NewTracerProvider().Tracer("test"))
}

func TestPersister_RunsInOrder(t *testing.T) {
	p := newTestPersister(t)
	go p.run()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 50 {
		p.enqueue(persistJob{name: "append", run: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
			return nil
		}})
	}
	p.close()

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("expected persister to drain")
	}

	assert.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v, "expected jobs to run in submission order")
	}
}

func TestPersister_Retries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantCalls int
	}{
		{"succeeds first time", 0, 1},
		{"succeeds after retry", 2, 3},
		{"gives up", 5, persistAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPersister(t)

			calls := 0
			p.exec(persistJob{name: "append", run: func(ctx context.Context) error {
				calls++
				_, hasDeadline := ctx.Deadline()
				assert.True(t, hasDeadline, "expected each attempt to be bounded")
				if calls <= tt.failures {
					return errors.New("write failed")
				}
				return nil
			}})

			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestPersister_DropsAfterClose(t *testing.T) {
	p := newTestPersister(t)
	go p.run()
	p.close()
	<-p.done

	ran := false
	p.enqueue(persistJob{name: "late", run: func(context.Context) error {
		ran = true
		return nil
	}})
	assert.False(t, ran)
	assert.Empty(t, p.queue, "expected job to be dropped")
}
