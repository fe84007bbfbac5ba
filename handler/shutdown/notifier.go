package shutdown

import (
	"os"
	"os/signal"
)

type signalNotifier struct{}

// NewNotifier returns the Notifier backed by os/signal.
func NewNotifier() Notifier {
	return signalNotifier{}
}

func (signalNotifier) Notify(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

func (signalNotifier) Stop(c chan<- os.Signal) {
	signal.Stop(c)
}
