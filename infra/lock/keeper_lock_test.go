package lock

import (
	"context"
	"testing"
	"time"

	"keeper_server/pkg/apperr"
)

func TestMemoryLockMutualExclusion(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "u1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = l.TryAcquire(ctx, "u1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}

	// A different user is unaffected.
	ok, err = l.TryAcquire(ctx, "u2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("other user acquire: ok=%v err=%v", ok, err)
	}
}

func TestMemoryLockReleaseFrees(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	if ok, _ := l.TryAcquire(ctx, "u1", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	if err := l.Release(ctx, "u1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := l.Held(ctx, "u1"); held {
		t.Fatal("lock still held after release")
	}
	if ok, _ := l.TryAcquire(ctx, "u1", time.Minute); !ok {
		t.Fatal("reacquire after release failed")
	}
}

func TestMemoryLockExpiry(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	if ok, _ := l.TryAcquire(ctx, "u1", 10*time.Millisecond); !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(20 * time.Millisecond)

	if held, _ := l.Held(ctx, "u1"); held {
		t.Fatal("expired lock reads as held")
	}
	if ok, _ := l.TryAcquire(ctx, "u1", time.Minute); !ok {
		t.Fatal("acquire after expiry failed")
	}
}

func TestMemoryLockExtend(t *testing.T) {
	l := NewMemoryLock()
	ctx := context.Background()

	if err := l.Extend(ctx, "u1", time.Minute); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("extend of unheld lock: %v", err)
	}

	if ok, _ := l.TryAcquire(ctx, "u1", 20*time.Millisecond); !ok {
		t.Fatal("acquire failed")
	}
	if err := l.Extend(ctx, "u1", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if held, _ := l.Held(ctx, "u1"); !held {
		t.Fatal("extended lock expired early")
	}
}
