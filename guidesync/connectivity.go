package guidesync

// platform connectivity signals, abstracted from the web app's
// window "online"/"offline" and page-visibility events. The monitor is a
// plain fan-out; it owns no controller state. The embedding platform calls
// the Signal* methods, listeners react.

type ConnectivityEvent int

const (
	ConnectivityOnline ConnectivityEvent = iota
	ConnectivityOffline
	ConnectivityVisible
)

func (self ConnectivityEvent) String() string {
	switch self {
	case ConnectivityOnline:
		return "online"
	case ConnectivityOffline:
		return "offline"
	case ConnectivityVisible:
		return "visible"
	default:
		return "unknown"
	}
}

type ConnectivityFunction func(event ConnectivityEvent)

type ConnectivityMonitor struct {
	callbacks *callbackList[ConnectivityFunction]
}

func NewConnectivityMonitor() *ConnectivityMonitor {
	return &ConnectivityMonitor{
		callbacks: newCallbackList[ConnectivityFunction](),
	}
}

func (self *ConnectivityMonitor) AddCallback(callback ConnectivityFunction) int {
	return self.callbacks.add(callback)
}

func (self *ConnectivityMonitor) RemoveCallback(callbackId int) {
	self.callbacks.remove(callbackId)
}

func (self *ConnectivityMonitor) SignalOnline() {
	self.signal(ConnectivityOnline)
}

func (self *ConnectivityMonitor) SignalOffline() {
	self.signal(ConnectivityOffline)
}

func (self *ConnectivityMonitor) SignalVisible() {
	self.signal(ConnectivityVisible)
}

func (self *ConnectivityMonitor) signal(event ConnectivityEvent) {
	for _, callback := range self.callbacks.get() {
		func() {
			defer func() {
				recover()
			}()
			callback(event)
		}()
	}
}
