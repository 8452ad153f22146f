package transfer

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(frame []byte)

func (f NotifierFunc) Notify(frame []byte) { f(frame) }

// MultiNotifier fans a notification out to every attached link. Links ignore
// frames for sessions they did not start.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(frame []byte) {
	for _, n := range m {
		n.Notify(frame)
	}
}
