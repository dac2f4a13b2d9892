// Package notify carries server push notifications from the state machines
// to whatever transports are attached (websocket connections, NATS).
package notify

import "sync"

// Method names of server-initiated messages
type Method string

const (
	BalanceUpdate    Method = "bu"
	ChannelUpdate    Method = "cu"
	AppSessionUpdate Method = "asu"
	Transfer         Method = "tr"
)

// Notifier delivers payload to every live connection of wallet.
// Implementations must not block the caller.
type Notifier interface {
	Notify(wallet string, method Method, payload any)
}

// Nop drops everything
type Nop struct{}

func (Nop) Notify(string, Method, any) {}

// Multi fans a notification out to several notifiers
type Multi []Notifier

func (m Multi) Notify(wallet string, method Method, payload any) {
	for _, n := range m {
		if n != nil {
			n.Notify(wallet, method, payload)
		}
	}
}

// Recorder keeps notifications in memory, for tests
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

type Event struct {
	Wallet  string
	Method  Method
	Payload any
}

func (r *Recorder) Notify(wallet string, method Method, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Event{Wallet: wallet, Method: method, Payload: payload})
}

// Count of recorded events for wallet and method
func (r *Recorder) Count(wallet string, method Method) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Events {
		if e.Wallet == wallet && e.Method == method {
			n++
		}
	}
	return n
}
