package conversation

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// ============================================
// Property Tests for Title Truncation
// ============================================

// TestProperty_TruncateTitle_Bounded tests the length invariant
// *For any* message content, the derived title SHALL be at most the title limit in runes.
func TestProperty_TruncateTitle_Bounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		content := rapid.String().Draw(rt, "content")

		title := TruncateTitle(content)

		if got := len([]rune(title)); got > maxTitleLen {
			t.Fatalf("PROPERTY VIOLATION: Title length %d should be at most %d for content %q",
				got, maxTitleLen, content)
		}
	})
}

// TestProperty_TruncateTitle_ShortIdentity tests short content passthrough
// *For any* content within the limit, the title SHALL be the content unchanged.
func TestProperty_TruncateTitle_ShortIdentity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		content := rapid.StringN(0, maxTitleLen, -1).Draw(rt, "content")

		if title := TruncateTitle(content); title != content {
			t.Fatalf("PROPERTY VIOLATION: Short content %q should pass through, got %q", content, title)
		}
	})
}

// TestProperty_TruncateTitle_ValidUTF8 tests rune safety
// *For any* valid content, truncation SHALL never split a multi-byte rune.
func TestProperty_TruncateTitle_ValidUTF8(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		content := rapid.String().Draw(rt, "content")

		title := TruncateTitle(content)

		if !utf8.ValidString(title) {
			t.Fatalf("PROPERTY VIOLATION: Truncated title %q is not valid UTF-8", title)
		}
	})
}

func TestTruncateTitle_LongContentGetsEllipsis(t *testing.T) {
	content := strings.Repeat("héllo ", 20)

	title := TruncateTitle(content)

	if !strings.HasSuffix(title, "...") {
		t.Fatalf("Truncated title should end with ellipsis, got %q", title)
	}
	if len([]rune(title)) != maxTitleLen {
		t.Fatalf("Truncated title should be exactly %d runes, got %d", maxTitleLen, len([]rune(title)))
	}
}

// ============================================
// Per-Conversation Lock Tests
// ============================================

func TestLockManager_SerializesSameConversation(t *testing.T) {
	locks := newLockManager()
	convID := uuid.New()

	const workers = 20
	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.lock(convID)
			defer release()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Fatalf("At most one holder should be inside the critical section, saw %d", max)
	}
}

func TestLockManager_DistinctConversationsProceedInParallel(t *testing.T) {
	locks := newLockManager()

	releaseA := locks.lock(uuid.New())
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release := locks.lock(uuid.New())
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock on a different conversation should not block")
	}
}

func TestLockManager_DropsEntriesWhenUnused(t *testing.T) {
	locks := newLockManager()
	convID := uuid.New()

	release := locks.lock(convID)
	release()

	locks.mu.Lock()
	remaining := len(locks.locks)
	locks.mu.Unlock()

	if remaining != 0 {
		t.Fatalf("Released locks should be dropped from the table, %d entries remain", remaining)
	}
}

func TestLockManager_ReleaseIsOrdered(t *testing.T) {
	locks := newLockManager()
	convID := uuid.New()

	var order []int
	var mu sync.Mutex

	release := locks.lock(convID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := locks.lock(convID)
		defer r()
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}()

	// The goroutine is parked on the conversation lock until we release
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release()

	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("Expected holder to finish before waiter, got order %v", order)
	}
}
