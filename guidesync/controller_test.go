package guidesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// scripted in-memory store. Subscribe records the callbacks; the test
// drives pushes and errors by hand.
type testStore struct {
	mutex         sync.Mutex
	identityErr   error
	identityCount int
	subs          []*testStoreSubscription
	writes        []Document
}

func newTestStore() *testStore {
	return &testStore{}
}

func (self *testStore) AcquireIdentity(ctx context.Context) (*Identity, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.identityCount += 1
	if self.identityErr != nil {
		return nil, self.identityErr
	}
	return &Identity{
		ByJwt:      "test-jwt",
		InstanceId: NewId(),
		Anonymous:  true,
	}, nil
}

func (self *testStore) setIdentityErr(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.identityErr = err
}

func (self *testStore) identityCalls() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.identityCount
}

func (self *testStore) Subscribe(path string, onPush PushFunction, onError StoreErrorFunction) (StoreSubscription, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	sub := &testStoreSubscription{
		onPush:  onPush,
		onError: onError,
	}
	self.subs = append(self.subs, sub)
	return sub, nil
}

func (self *testStore) WriteFields(ctx context.Context, path string, partial Document) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.writes = append(self.writes, partial)
	return nil
}

func (self *testStore) subCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.subs)
}

func (self *testStore) sub(i int) *testStoreSubscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.subs[i]
}

type testStoreSubscription struct {
	onPush  PushFunction
	onError StoreErrorFunction

	mutex        sync.Mutex
	unsubscribed bool
}

func (self *testStoreSubscription) Unsubscribe() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.unsubscribed = true
}

func (self *testStoreSubscription) isUnsubscribed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.unsubscribed
}

func (self *testStoreSubscription) push(doc Document) {
	self.onPush(doc)
}

func (self *testStoreSubscription) fail(code StoreErrorCode) {
	self.onError(code)
}

type testRender struct {
	mutex sync.Mutex
	docs  []Document
}

func (self *testRender) render(doc Document) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.docs = append(self.docs, doc)
}

func (self *testRender) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.docs)
}

func (self *testRender) last() Document {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.docs[len(self.docs)-1]
}

type testNotices struct {
	mutex  sync.Mutex
	levels []NoticeLevel
}

func (self *testNotices) notice(level NoticeLevel, message string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.levels = append(self.levels, level)
}

func (self *testNotices) countOf(level NoticeLevel) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	n := 0
	for _, l := range self.levels {
		if l == level {
			n += 1
		}
	}
	return n
}

func (self *testNotices) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.levels)
}

func testSettings(notices *testNotices, maxAttempts int) *SyncControllerSettings {
	return &SyncControllerSettings{
		Backoff: &RetryBackoffSettings{
			BaseDelay:   5 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    20 * time.Millisecond,
			MaxAttempts: maxAttempts,
		},
		Fallback: DemoGuideDocument,
		Notice:   notices.notice,
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	end := time.Now().Add(2 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", description)
}

func newTestController(t *testing.T, store *testStore, maxAttempts int) (*SyncController, *testRender, *testNotices) {
	render := &testRender{}
	notices := &testNotices{}
	controller := NewSyncController(
		context.Background(),
		store,
		"family-guide",
		render.render,
		testSettings(notices, maxAttempts),
	)
	t.Cleanup(controller.Stop)
	return controller, render, notices
}

// identity acquisition failure goes straight to offline fallback and
// renders the demo data exactly once
func TestIdentityFailureFallsBack(t *testing.T) {
	store := newTestStore()
	store.setIdentityErr(errors.New("no network"))
	controller, render, notices := newTestController(t, store, 3)

	controller.Start()

	waitFor(t, "offline fallback", func() bool {
		return controller.State() == OfflineFallback
	})
	waitFor(t, "fallback render", func() bool {
		return render.count() == 1
	})

	_, ok := render.last()["itinerary"]
	assert.Equal(t, true, ok)
	assert.Equal(t, true, controller.UsingFallback())
	assert.Equal(t, 0, store.subCount())
	assert.Equal(t, 1, notices.countOf(NoticeLevelOffline))

	// no further renders
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, render.count())
}

// a retry out of offline fallback re-runs identity acquisition, so the
// live document comes back once the network does
func TestIdentityRecoversAfterFallback(t *testing.T) {
	store := newTestStore()
	store.setIdentityErr(errors.New("no network"))
	controller, _, _ := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "offline fallback", func() bool {
		return controller.State() == OfflineFallback
	})
	assert.Equal(t, true, controller.UsingFallback())
	assert.Equal(t, 1, store.identityCalls())

	// still offline: the retry attempts identity again and falls back again
	controller.RetryNow()
	waitFor(t, "second identity attempt", func() bool {
		return store.identityCalls() == 2
	})
	waitFor(t, "offline fallback again", func() bool {
		return controller.State() == OfflineFallback
	})
	assert.Equal(t, 0, store.subCount())

	// the network returns
	store.setIdentityErr(nil)
	controller.RetryNow()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	assert.Equal(t, 3, store.identityCalls())

	store.sub(0).push(Document{"itinerary": []any{"day 1"}})
	assert.Equal(t, Subscribed, controller.State())
	assert.Equal(t, false, controller.UsingFallback())
	assert.Equal(t, []any{"day 1"}, controller.Mirror()["itinerary"])
}

// partial pushes accumulate in the mirror without erasing unrelated
// sections
func TestPartialPushesMerge(t *testing.T) {
	store := newTestStore()
	controller, render, _ := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	assert.Equal(t, Connecting, controller.State())

	store.sub(0).push(Document{"flightData": map[string]any{"bookingRef": "X"}})
	assert.Equal(t, Subscribed, controller.State())
	assert.Equal(t, 1, render.count())

	store.sub(0).push(Document{"hotelData": map[string]any{"name": "Y"}})

	mirror := controller.Mirror()
	assert.Equal(t, map[string]any{"bookingRef": "X"}, mirror["flightData"])
	assert.Equal(t, map[string]any{"name": "Y"}, mirror["hotelData"])
	assert.Equal(t, 2, render.count())
	assert.Equal(t, mirror, render.last())
}

// an empty document renders demo data instead of a blank mirror, and the
// first real push fully supersedes the demo data
func TestEmptyDocumentFallsBack(t *testing.T) {
	store := newTestStore()
	controller, render, _ := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})

	store.sub(0).push(Document{})
	assert.Equal(t, Subscribed, controller.State())
	assert.Equal(t, true, controller.UsingFallback())
	_, ok := render.last()["packingList"]
	assert.Equal(t, true, ok)

	store.sub(0).push(Document{"chat": []any{"hello"}})
	assert.Equal(t, false, controller.UsingFallback())

	// no merge between demo data and real data
	mirror := controller.Mirror()
	assert.Equal(t, Document{"chat": []any{"hello"}}, mirror)
}

// an empty push after real sections arrived keeps the mirror. It never
// flips to demo data or drops accumulated sections.
func TestEmptyPushKeepsPopulatedMirror(t *testing.T) {
	store := newTestStore()
	controller, render, _ := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"flightData": map[string]any{"bookingRef": "X"}})
	store.sub(0).push(Document{"hotelData": map[string]any{"name": "Y"}})

	store.sub(0).push(Document{})
	assert.Equal(t, false, controller.UsingFallback())
	assert.Equal(t, controller.Mirror(), render.last())

	// the next partial push merges instead of superseding
	store.sub(0).push(Document{"chat": []any{"hi"}})
	mirror := controller.Mirror()
	assert.Equal(t, map[string]any{"bookingRef": "X"}, mirror["flightData"])
	assert.Equal(t, map[string]any{"name": "Y"}, mirror["hotelData"])
	assert.Equal(t, []any{"hi"}, mirror["chat"])
}

// maxAttempts consecutive transient errors produce exactly maxAttempts
// backoff delays and end in offline fallback
func TestTransientErrorsExhaustRetries(t *testing.T) {
	store := newTestStore()
	controller, render, notices := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})
	assert.Equal(t, Subscribed, controller.State())

	store.sub(0).fail(StoreErrorUnavailable)
	assert.Equal(t, Retrying, controller.State())
	waitFor(t, "reconnect 1", func() bool {
		return store.subCount() == 2
	})

	store.sub(1).fail(StoreErrorUnavailable)
	waitFor(t, "reconnect 2", func() bool {
		return store.subCount() == 3
	})

	store.sub(2).fail(StoreErrorUnavailable)
	waitFor(t, "offline fallback", func() bool {
		return controller.State() == OfflineFallback
	})

	// no further reconnects once offline
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, store.subCount())

	// reconnecting notice only for the first retry of the sequence
	assert.Equal(t, 1, notices.countOf(NoticeLevelReconnecting))
	assert.Equal(t, 1, notices.countOf(NoticeLevelOffline))

	// the mirror is never rolled back. The ui keeps the last good data,
	// so no fallback render happened.
	mirror := controller.Mirror()
	assert.Equal(t, []any{"day 1"}, mirror["itinerary"])
	assert.Equal(t, false, controller.UsingFallback())
	assert.Equal(t, 1, render.count())
}

// a permission error while subscribed goes straight to offline fallback
// with zero reconnection attempts and exactly one permission notice
func TestPermissionErrorIsTerminal(t *testing.T) {
	store := newTestStore()
	controller, _, notices := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})

	store.sub(0).fail(StoreErrorPermissionDenied)
	assert.Equal(t, OfflineFallback, controller.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.subCount())
	assert.Equal(t, 1, notices.countOf(NoticeLevelPermission))
	assert.Equal(t, 1, notices.count())
	assert.Equal(t, true, store.sub(0).isUnsubscribed())
}

// a configuration error behaves like permission but with its own notice,
// and renders fallback when there is no data yet
func TestConfigurationErrorIsTerminal(t *testing.T) {
	store := newTestStore()
	controller, render, notices := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})

	store.sub(0).fail(StoreErrorFailedPrecondition)
	assert.Equal(t, OfflineFallback, controller.State())
	assert.Equal(t, 1, notices.countOf(NoticeLevelConfiguration))

	// empty mirror at the time of the terminal error: demo data renders
	assert.Equal(t, 1, render.count())
	assert.Equal(t, true, controller.UsingFallback())
}

// a push on a released handle is discarded
func TestStalePushDiscarded(t *testing.T) {
	store := newTestStore()
	controller, render, _ := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})
	assert.Equal(t, 1, render.count())

	controller.Stop()
	assert.Equal(t, Disconnected, controller.State())
	assert.Equal(t, true, store.sub(0).isUnsubscribed())

	// the transport's teardown is asynchronous. A late push from the old
	// handle must not resurrect anything.
	store.sub(0).push(Document{"hotelData": map[string]any{"name": "Z"}})
	assert.Equal(t, 1, render.count())
	assert.Equal(t, Disconnected, controller.State())
	_, ok := controller.Mirror()["hotelData"]
	assert.Equal(t, false, ok)
}

// a cancelled error after stop produces no retry and no notice
func TestCancelledIsSilent(t *testing.T) {
	store := newTestStore()
	controller, _, notices := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})

	controller.Stop()
	store.sub(0).fail(StoreErrorCancelled)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, store.subCount())
	assert.Equal(t, 0, notices.count())
	assert.Equal(t, Disconnected, controller.State())
}

// a cancelled error on a live handle is also a no-op
func TestCancelledWhileLive(t *testing.T) {
	store := newTestStore()
	controller, _, notices := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})

	store.sub(0).fail(StoreErrorCancelled)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Subscribed, controller.State())
	assert.Equal(t, 1, store.subCount())
	assert.Equal(t, 0, notices.count())
}

// a successful push resets the retry budget, so a fresh error sequence
// gets the full allowance again
func TestSuccessResetsBudget(t *testing.T) {
	store := newTestStore()
	controller, _, _ := newTestController(t, store, 2)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})

	// attempt 1 of 2
	store.sub(0).fail(StoreErrorUnavailable)
	waitFor(t, "reconnect 1", func() bool {
		return store.subCount() == 2
	})

	// success resets to 0. Without the reset the next error would be
	// attempt 2 and exhaust the budget.
	store.sub(1).push(Document{"itinerary": []any{"day 1"}})
	assert.Equal(t, Subscribed, controller.State())

	store.sub(1).fail(StoreErrorDeadlineExceeded)
	waitFor(t, "reconnect 2", func() bool {
		return store.subCount() == 3
	})
	store.sub(2).push(Document{"itinerary": []any{"day 1"}})
	assert.Equal(t, Subscribed, controller.State())
}

// at most one reconnection timer is outstanding. Extra error callbacks
// while one is pending schedule nothing.
func TestRetryReentrancyGuard(t *testing.T) {
	store := newTestStore()
	controller, _, notices := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})

	store.sub(0).fail(StoreErrorUnavailable)
	// late duplicate errors from the same dead handle
	store.sub(0).fail(StoreErrorUnavailable)
	store.sub(0).fail(StoreErrorUnavailable)

	waitFor(t, "reconnect", func() bool {
		return store.subCount() == 2
	})
	time.Sleep(50 * time.Millisecond)

	// one timer, one reconnect
	assert.Equal(t, 2, store.subCount())
	assert.Equal(t, 1, notices.countOf(NoticeLevelReconnecting))
}

// a connectivity signal while retrying cancels the pending timer, resets
// the budget, and reconnects immediately
func TestConnectivityRestoredRetriesNow(t *testing.T) {
	store := newTestStore()
	render := &testRender{}
	notices := &testNotices{}
	monitor := NewConnectivityMonitor()

	settings := testSettings(notices, 3)
	// long enough that the timer cannot fire during the test
	settings.Backoff.BaseDelay = 10 * time.Second
	settings.Backoff.MaxDelay = 10 * time.Second
	settings.Connectivity = monitor

	controller := NewSyncController(
		context.Background(),
		store,
		"family-guide",
		render.render,
		settings,
	)
	t.Cleanup(controller.Stop)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})

	store.sub(0).fail(StoreErrorUnavailable)
	assert.Equal(t, Retrying, controller.State())

	// offline signals are not acted on
	monitor.SignalOffline()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, store.subCount())

	monitor.SignalOnline()
	waitFor(t, "reconnect", func() bool {
		return store.subCount() == 2
	})
	assert.Equal(t, Connecting, controller.State())

	store.sub(1).push(Document{"itinerary": []any{"day 1"}})
	assert.Equal(t, Subscribed, controller.State())
}

// the connectivity registration is added and removed in lockstep with
// start/stop, even across restarts
func TestStopRemovesConnectivityCallback(t *testing.T) {
	store := newTestStore()
	render := &testRender{}
	notices := &testNotices{}
	monitor := NewConnectivityMonitor()

	settings := testSettings(notices, 3)
	settings.Connectivity = monitor

	controller := NewSyncController(
		context.Background(),
		store,
		"family-guide",
		render.render,
		settings,
	)

	for i := 0; i < 3; i += 1 {
		controller.Start()
		assert.Equal(t, 1, len(monitor.callbacks.get()))
		controller.Stop()
		assert.Equal(t, 0, len(monitor.callbacks.get()))
	}

	// signals after stop reach nothing
	subCount := store.subCount()
	monitor.SignalOnline()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, subCount, store.subCount())
	assert.Equal(t, Disconnected, controller.State())
}

// manual retry out of offline fallback starts the backoff sequence fresh
func TestRetryNowFromOfflineFallback(t *testing.T) {
	store := newTestStore()
	controller, _, _ := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})

	for i := 0; i < 3; i += 1 {
		store.sub(i).fail(StoreErrorUnavailable)
		if i < 2 {
			waitFor(t, "reconnect", func() bool {
				return store.subCount() == i+2
			})
		}
	}
	waitFor(t, "offline fallback", func() bool {
		return controller.State() == OfflineFallback
	})

	controller.RetryNow()
	waitFor(t, "reconnect after manual retry", func() bool {
		return store.subCount() == 4
	})
	store.sub(3).push(Document{"itinerary": []any{"day 1"}})
	assert.Equal(t, Subscribed, controller.State())
}

// a retry while subscribed or disconnected is a no-op
func TestRetryNowIgnoredOutsideRetryStates(t *testing.T) {
	store := newTestStore()
	controller, _, _ := newTestController(t, store, 3)

	controller.RetryNow()
	assert.Equal(t, Disconnected, controller.State())
	assert.Equal(t, 0, store.subCount())

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})

	controller.RetryNow()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, store.subCount())
	assert.Equal(t, Subscribed, controller.State())
}

// the controller can be started again after a stop
func TestRestartAfterStop(t *testing.T) {
	store := newTestStore()
	controller, render, _ := newTestController(t, store, 3)

	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	store.sub(0).push(Document{"itinerary": []any{"day 1"}})
	controller.Stop()

	controller.Start()
	waitFor(t, "resubscription", func() bool {
		return store.subCount() == 2
	})
	store.sub(1).push(Document{"hotelData": map[string]any{"name": "Y"}})
	assert.Equal(t, Subscribed, controller.State())

	// the mirror survives the stop. Partial pushes keep merging.
	mirror := controller.Mirror()
	assert.Equal(t, []any{"day 1"}, mirror["itinerary"])
	assert.Equal(t, map[string]any{"name": "Y"}, mirror["hotelData"])
	assert.Equal(t, 2, render.count())
}

// starting twice does not open a second subscription
func TestStartIsIdempotent(t *testing.T) {
	store := newTestStore()
	controller, _, _ := newTestController(t, store, 3)

	controller.Start()
	controller.Start()
	waitFor(t, "subscription", func() bool {
		return store.subCount() == 1
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, store.subCount())
}
