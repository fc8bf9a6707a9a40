package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedLockAcquireRelease(t *testing.T) {
	l := NewShardedLock()

	t.Run("duplicate keys do not self-deadlock", func(t *testing.T) {
		release, err := l.Acquire(context.Background(), []string{
			"email:jane@example.com",
			"email:jane@example.com",
			"phone:4155550123",
		})
		require.NoError(t, err)
		release()
	})

	t.Run("overlapping key sets serialize", func(t *testing.T) {
		release, err := l.Acquire(context.Background(), []string{"email:shared@example.com"})
		require.NoError(t, err)

		entered := make(chan struct{})
		go func() {
			r2, err := l.Acquire(context.Background(), []string{
				"email:shared@example.com", "phone:2125550100",
			})
			assert.NoError(t, err)
			close(entered)
			r2()
		}()

		select {
		case <-entered:
			t.Fatal("second acquire should block while the first holds the key")
		case <-time.After(50 * time.Millisecond):
		}

		release()
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("second acquire never proceeded after release")
		}
	})

	t.Run("reverse key orders cannot deadlock", func(t *testing.T) {
		keys := []string{"email:a@example.com", "phone:4155550123"}
		reversed := []string{keys[1], keys[0]}

		var wg sync.WaitGroup
		done := make(chan struct{})
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				r, _ := l.Acquire(context.Background(), keys)
				r()
			}()
			go func() {
				defer wg.Done()
				r, _ := l.Acquire(context.Background(), reversed)
				r()
			}()
		}
		go func() { wg.Wait(); close(done) }()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("acquire storm deadlocked")
		}
	})
}
