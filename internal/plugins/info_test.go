package plugins_test

import (
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearthd/internal/plugins"
	"github.com/hearthd/hearthd/pkg/models"
)

func newDiscovery(timeout time.Duration) *plugins.DiscoveryInfo {
	return plugins.NewDiscoveryInfo("class-1", nil, timeout)
}

// ─── Finish semantics ────────────────────────────────────────

func TestInfo_FinishSetsStatus(t *testing.T) {
	info := newDiscovery(0)
	info.Finish(models.ThingErrorNoError, "all good")

	select {
	case <-info.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Finish")
	}
	if got := info.Status(); got != models.ThingErrorNoError {
		t.Errorf("Status() = %v, want NoError", got)
	}
	if got := info.DisplayMessage(); got != "all good" {
		t.Errorf("DisplayMessage() = %q, want %q", got, "all good")
	}
}

func TestInfo_EmptyStatusMeansNoError(t *testing.T) {
	info := newDiscovery(0)
	info.Finish("")
	if got := info.Status(); got != models.ThingErrorNoError {
		t.Errorf("Status() = %v, want NoError for empty finish status", got)
	}
}

func TestInfo_SecondFinishIgnored(t *testing.T) {
	info := newDiscovery(0)
	info.Finish(models.ThingErrorNoError)
	info.Finish(models.ThingErrorHardwareFailure, "too late")

	if got := info.Status(); got != models.ThingErrorNoError {
		t.Errorf("Status() = %v, want first Finish to win", got)
	}
	if got := info.DisplayMessage(); got != "" {
		t.Errorf("DisplayMessage() = %q, want empty", got)
	}
}

// ─── Timeout ─────────────────────────────────────────────────

func TestInfo_TimeoutAborts(t *testing.T) {
	info := newDiscovery(20 * time.Millisecond)

	select {
	case <-info.Aborted():
	case <-time.After(time.Second):
		t.Fatal("Aborted() not closed after timeout")
	}
	<-info.Done()
	if got := info.Status(); got != models.ThingErrorTimeout {
		t.Errorf("Status() = %v, want Timeout", got)
	}
}

func TestInfo_FinishBeforeTimeoutWins(t *testing.T) {
	info := newDiscovery(50 * time.Millisecond)
	info.Finish(models.ThingErrorNoError)

	time.Sleep(100 * time.Millisecond)
	if got := info.Status(); got != models.ThingErrorNoError {
		t.Errorf("Status() = %v, want NoError to survive the elapsed timer", got)
	}
	select {
	case <-info.Aborted():
		t.Error("Aborted() closed although Finish came first")
	default:
	}
}

// TestInfo_ConcurrentFinishAndTimeout hammers the finish/timeout race:
// whatever wins, exactly one terminal status must be visible and Done
// must close exactly once (a double close would panic).
func TestInfo_ConcurrentFinishAndTimeout(t *testing.T) {
	for i := 0; i < 100; i++ {
		info := newDiscovery(time.Millisecond)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			info.Finish(models.ThingErrorNoError)
		}()
		wg.Wait()
		<-info.Done()

		got := info.Status()
		if got != models.ThingErrorNoError && got != models.ThingErrorTimeout {
			t.Fatalf("Status() = %v, want NoError or Timeout", got)
		}
	}
}

// ─── Kind-specific outputs ───────────────────────────────────

func TestDiscoveryInfo_CollectsDescriptors(t *testing.T) {
	info := newDiscovery(0)
	info.AddThingDescriptor(models.ThingDescriptor{Title: "one"})
	info.AddThingDescriptors([]models.ThingDescriptor{{Title: "two"}, {Title: "three"}})

	got := info.ThingDescriptors()
	if len(got) != 3 {
		t.Fatalf("ThingDescriptors() = %d entries, want 3", len(got))
	}
	if got[0].Title != "one" || got[2].Title != "three" {
		t.Errorf("ThingDescriptors() order = %v, want insertion order", got)
	}
}

func TestPairingInfo_ReconfigureFlag(t *testing.T) {
	fresh := plugins.NewPairingInfo("tx1", models.PairingTransaction{ThingClassID: "c"}, 0)
	if fresh.Reconfigure {
		t.Error("Reconfigure = true for transaction without thing id")
	}
	recfg := plugins.NewPairingInfo("tx2", models.PairingTransaction{ThingClassID: "c", ThingID: "t1"}, 0)
	if !recfg.Reconfigure {
		t.Error("Reconfigure = false for transaction with thing id")
	}
}

func TestPairingInfo_OAuthURL(t *testing.T) {
	info := plugins.NewPairingInfo("tx1", models.PairingTransaction{}, 0)
	info.SetOAuthURL("https://auth.example.com/dance")
	if got := info.OAuthURL(); got != "https://auth.example.com/dance" {
		t.Errorf("OAuthURL() = %q", got)
	}
}

func TestBrowseResult_Items(t *testing.T) {
	result := plugins.NewBrowseResult(&models.Thing{ID: "t1"}, "", "en", 0)
	result.AddItems(models.BrowserItem{ID: "a"}, models.BrowserItem{ID: "b"})
	if got := result.Items(); len(got) != 2 {
		t.Fatalf("Items() = %d entries, want 2", len(got))
	}
}

func TestBrowserItemResult_ItemCopies(t *testing.T) {
	result := plugins.NewBrowserItemResult(&models.Thing{ID: "t1"}, "a", "en", 0)
	if result.Item() != nil {
		t.Fatal("Item() = non-nil before SetItem")
	}
	result.SetItem(models.BrowserItem{ID: "a", DisplayName: "A"})
	got := result.Item()
	got.DisplayName = "mutated"
	if result.Item().DisplayName != "A" {
		t.Error("mutating a returned item leaked into the result")
	}
}
