package guidesync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Subscribed
	Retrying
	OfflineFallback
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Retrying:
		return "retrying"
	case OfflineFallback:
		return "offline-fallback"
	default:
		return "unknown"
	}
}

// invoked with the current mirror (or fallback document) after every
// successful push or fallback activation. The ui redraws from this.
type RenderFunction func(doc Document)

type SyncControllerSettings struct {
	Backoff *RetryBackoffSettings
	// supplies demo data when the store is unreachable
	Fallback func() Document
	// optional user-visible notices. nil disables them.
	Notice NoticeFunction
	// optional platform connectivity signals. nil disables them.
	Connectivity *ConnectivityMonitor
}

func DefaultSyncControllerSettings() *SyncControllerSettings {
	return &SyncControllerSettings{
		Backoff:  DefaultRetryBackoffSettings(),
		Fallback: DemoGuideDocument,
	}
}

// SyncController supervises exactly one live subscription to the remote
// guide document, keeps the local mirror current, and keeps the ui alive
// when the store is unreachable. All errors are absorbed here; none
// propagate to the caller of Start.
type SyncController struct {
	ctx context.Context

	store  Store
	path   string
	render RenderFunction

	settings *SyncControllerSettings

	mutex sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc

	state         ConnectionState
	mirror        Document
	usingFallback bool
	identity      *Identity

	// at most one subscription handle is live at any time. Every callback
	// carries the sequence it was registered under; a stale sequence means
	// the handle was released and the callback is a no-op.
	sub    StoreSubscription
	subSeq uint64

	budget          *retryBudget
	retryTimer      *time.Timer
	retrySeq        uint64
	retryNoticeSent bool

	connectivityCallbackId int
}

func NewSyncControllerWithDefaults(
	ctx context.Context,
	store Store,
	path string,
	render RenderFunction,
) *SyncController {
	return NewSyncController(ctx, store, path, render, DefaultSyncControllerSettings())
}

func NewSyncController(
	ctx context.Context,
	store Store,
	path string,
	render RenderFunction,
	settings *SyncControllerSettings,
) *SyncController {
	return &SyncController{
		ctx:                    ctx,
		store:                  store,
		path:                   path,
		render:                 render,
		settings:               settings,
		state:                  Disconnected,
		mirror:                 Document{},
		budget:                 newRetryBudget(settings.Backoff),
		connectivityCallbackId: -1,
	}
}

// acquires an identity (creating an anonymous one if none exists) and opens
// the subscription. Identity failure goes straight to offline fallback so
// the ui is never empty. Safe to call again after Stop.
func (self *SyncController) Start() {
	self.mutex.Lock()
	if self.state != Disconnected {
		self.mutex.Unlock()
		return
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCtx = runCtx
	self.runCancel = runCancel
	self.state = Connecting
	// registered under the lock so that a concurrent Stop always observes
	// the id and removes it
	if monitor := self.settings.Connectivity; monitor != nil {
		self.connectivityCallbackId = monitor.AddCallback(self.connectivityEvent)
	}
	self.mutex.Unlock()

	go self.connect(runCtx)
}

func (self *SyncController) connect(runCtx context.Context) {
	self.mutex.Lock()
	identity := self.identity
	self.mutex.Unlock()

	if identity == nil {
		acquired, err := self.store.AcquireIdentity(runCtx)
		if err != nil {
			glog.Infof("[sc]identity error = %s\n", err)
			self.mutex.Lock()
			if runCtx.Err() != nil || self.state != Connecting {
				self.mutex.Unlock()
				return
			}
			self.state = OfflineFallback
			renderDoc := self.activateFallbackLocked()
			self.mutex.Unlock()
			self.render(renderDoc)
			self.notify(NoticeLevelOffline, "Could not reach the guide. Showing demo data.")
			return
		}
		identity = acquired
	}

	self.mutex.Lock()
	if runCtx.Err() != nil || self.state != Connecting {
		// stopped while acquiring
		self.mutex.Unlock()
		return
	}
	self.identity = identity
	release := self.subscribeLocked()
	self.mutex.Unlock()
	if release != nil {
		release.Unsubscribe()
	}
}

// opens a new subscription, releasing any prior handle first. The returned
// handle, if any, must be unsubscribed by the caller outside the lock.
// Subscribe implementations must not invoke callbacks synchronously.
func (self *SyncController) subscribeLocked() StoreSubscription {
	release := self.releaseLocked()
	seq := self.subSeq
	self.state = Connecting

	sub, err := self.store.Subscribe(
		self.path,
		func(doc Document) {
			self.handlePush(seq, doc)
		},
		func(code StoreErrorCode) {
			self.handleError(seq, code)
		},
	)
	if err != nil {
		glog.Infof("[sc]subscribe error = %s\n", err)
		// behaves like a transient error on the new handle
		go self.handleError(seq, StoreErrorUnavailable)
		return release
	}
	self.sub = sub
	return release
}

// drops the current handle and invalidates its callbacks. The transport's
// own teardown may be asynchronous; bumping the sequence here makes any
// in-flight push/error from the old handle a no-op immediately.
func (self *SyncController) releaseLocked() StoreSubscription {
	release := self.sub
	self.sub = nil
	self.subSeq += 1
	return release
}

func (self *SyncController) handlePush(seq uint64, doc Document) {
	self.mutex.Lock()
	if seq != self.subSeq {
		// push on a released handle
		self.mutex.Unlock()
		return
	}

	self.budget.reset()
	self.retryNoticeSent = false
	self.state = Subscribed

	var renderDoc Document
	if len(doc) == 0 {
		// document missing or has no fields. Demo data instead of a blank
		// ui, but real sections already in the mirror are kept.
		glog.V(2).Infof("[sc]push empty %s\n", self.path)
		if len(self.mirror) == 0 {
			renderDoc = self.activateFallbackLocked()
		} else {
			renderDoc = CopyDocument(self.mirror)
		}
	} else if self.usingFallback {
		// real data fully supersedes demo data, no merge between them
		self.usingFallback = false
		self.mirror = CopyDocument(doc)
		renderDoc = CopyDocument(self.mirror)
	} else {
		self.mirror = MergeDocuments(self.mirror, doc)
		renderDoc = CopyDocument(self.mirror)
	}
	self.mutex.Unlock()

	glog.V(2).Infof("[sc]push %s\n", self.path)
	self.render(renderDoc)
}

func (self *SyncController) handleError(seq uint64, code StoreErrorCode) {
	self.mutex.Lock()
	if seq != self.subSeq {
		// error on a released handle
		self.mutex.Unlock()
		return
	}

	errorClass := ClassifyStoreError(code)
	switch errorClass {
	case ErrorClassCancelled:
		// intentional teardown. No retry, no notice, no log spam.
		self.mutex.Unlock()

	case ErrorClassPermission, ErrorClassConfiguration:
		release := self.releaseLocked()
		self.stopRetryTimerLocked()
		self.state = OfflineFallback
		self.budget.reset()
		var renderDoc Document
		if len(self.mirror) == 0 {
			renderDoc = self.activateFallbackLocked()
		}
		self.mutex.Unlock()

		glog.Infof("[sc]%s error %s = %s\n", errorClass, self.path, code)
		if release != nil {
			release.Unsubscribe()
		}
		if renderDoc != nil {
			self.render(renderDoc)
		}
		if errorClass == ErrorClassPermission {
			self.notify(NoticeLevelPermission, "You do not have access to this guide.")
		} else {
			self.notify(NoticeLevelConfiguration, "The guide is misconfigured. Check the store setup.")
		}

	default:
		// transient
		if self.retryTimer != nil {
			// a reconnection is already pending
			self.mutex.Unlock()
			return
		}
		release := self.releaseLocked()
		attempt, delay := self.budget.nextAttempt(errorClass)
		self.state = Retrying
		self.retrySeq += 1
		retrySeq := self.retrySeq
		self.retryTimer = time.AfterFunc(delay, func() {
			self.retryElapsed(retrySeq)
		})
		firstNotice := !self.retryNoticeSent
		self.retryNoticeSent = true
		self.mutex.Unlock()

		glog.Infof("[sc]transient error %s = %s, retry %d in %s\n", self.path, code, attempt, delay)
		if release != nil {
			release.Unsubscribe()
		}
		if firstNotice {
			self.notify(NoticeLevelReconnecting, "Connection lost. Reconnecting…")
		}
	}
}

func (self *SyncController) retryElapsed(retrySeq uint64) {
	self.mutex.Lock()
	if retrySeq != self.retrySeq {
		// the timer was superseded
		self.mutex.Unlock()
		return
	}
	self.retryTimer = nil
	if self.state != Retrying {
		// stopped, or connectivity restored meanwhile
		self.mutex.Unlock()
		return
	}

	if self.budget.exhausted() {
		self.state = OfflineFallback
		self.budget.reset()
		var renderDoc Document
		if len(self.mirror) == 0 {
			renderDoc = self.activateFallbackLocked()
		}
		self.mutex.Unlock()

		glog.Infof("[sc]retries exhausted %s\n", self.path)
		if renderDoc != nil {
			self.render(renderDoc)
		}
		self.notify(NoticeLevelOffline, "Still offline. Reconnects when the connection returns.")
		return
	}

	if self.identity == nil {
		// identity acquisition failed on start. Run the full connect
		// sequence again instead of subscribing without an identity.
		self.state = Connecting
		runCtx := self.runCtx
		self.mutex.Unlock()
		go self.connect(runCtx)
		return
	}
	release := self.subscribeLocked()
	self.mutex.Unlock()
	if release != nil {
		release.Unsubscribe()
	}
}

// manual retry, or a platform online/visible signal, while retrying or in
// offline fallback: the backoff sequence starts fresh.
func (self *SyncController) RetryNow() {
	self.mutex.Lock()
	if self.state != Retrying && self.state != OfflineFallback {
		self.mutex.Unlock()
		return
	}
	self.stopRetryTimerLocked()
	self.budget.reset()
	self.retryNoticeSent = false
	if self.identity == nil {
		// identity acquisition failed on start. Run the full connect
		// sequence again instead of subscribing without an identity.
		self.state = Connecting
		runCtx := self.runCtx
		self.mutex.Unlock()

		glog.V(2).Infof("[sc]retry now %s\n", self.path)
		go self.connect(runCtx)
		return
	}
	release := self.subscribeLocked()
	self.mutex.Unlock()

	glog.V(2).Infof("[sc]retry now %s\n", self.path)
	if release != nil {
		release.Unsubscribe()
	}
}

func (self *SyncController) connectivityEvent(event ConnectivityEvent) {
	switch event {
	case ConnectivityOnline, ConnectivityVisible:
		self.RetryNow()
	default:
		// offline signals are not acted on. The store errors on its own
		// and the normal retry path takes over.
	}
}

// releases the live subscription handle if any. In-flight callbacks from
// the old handle become no-ops immediately, even though the transport's
// own teardown is asynchronous.
func (self *SyncController) Stop() {
	self.mutex.Lock()
	if self.state == Disconnected {
		self.mutex.Unlock()
		return
	}
	release := self.releaseLocked()
	self.stopRetryTimerLocked()
	self.state = Disconnected
	self.budget.reset()
	self.retryNoticeSent = false
	runCancel := self.runCancel
	self.runCtx = nil
	self.runCancel = nil
	callbackId := self.connectivityCallbackId
	self.connectivityCallbackId = -1
	self.mutex.Unlock()

	if monitor := self.settings.Connectivity; monitor != nil && 0 <= callbackId {
		monitor.RemoveCallback(callbackId)
	}
	if release != nil {
		release.Unsubscribe()
	}
	if runCancel != nil {
		runCancel()
	}
}

func (self *SyncController) stopRetryTimerLocked() {
	self.retrySeq += 1
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
}

func (self *SyncController) activateFallbackLocked() Document {
	self.usingFallback = true
	return self.settings.Fallback()
}

func (self *SyncController) notify(level NoticeLevel, message string) {
	if notice := self.settings.Notice; notice != nil {
		notice(level, message)
	}
}

func (self *SyncController) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// snapshot of the most recent successfully received document. Never rolled
// back on error.
func (self *SyncController) Mirror() Document {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return CopyDocument(self.mirror)
}

func (self *SyncController) UsingFallback() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.usingFallback
}

func (self *SyncController) Identity() *Identity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.identity
}
