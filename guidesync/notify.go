package guidesync

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on read so that callers can iterate without
// holding the lock. Function values are not comparable, so `add` hands back
// an id for removal.
type callbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *callbackList[T]) add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *callbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	nextCallbackIds := slices.Clone(self.callbackIds)
	self.callbackIds = slices.Delete(nextCallbackIds, i, i+1)
	delete(self.callbacks, callbackId)
}

func (self *callbackList[T]) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbackIds = nil
	maps.Clear(self.callbacks)
}

// user-visible, non-blocking notices. The controller emits at most one
// reconnecting notice per retry sequence and exactly one notice per
// terminal error. Cancelled produces no notice.
type NoticeLevel int

const (
	NoticeLevelReconnecting NoticeLevel = iota
	NoticeLevelPermission
	NoticeLevelConfiguration
	NoticeLevelOffline
)

func (self NoticeLevel) String() string {
	switch self {
	case NoticeLevelReconnecting:
		return "reconnecting"
	case NoticeLevelPermission:
		return "permission"
	case NoticeLevelConfiguration:
		return "configuration"
	case NoticeLevelOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type NoticeFunction func(level NoticeLevel, message string)
