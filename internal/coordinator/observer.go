package coordinator

import (
	"sync"
	"time"

	"autodev/internal/bus"
	"autodev/internal/model"
	"autodev/internal/pipelog"
)

// observer is the background thread: it watches execution
// events on the bus and may publish SYSTEM_ALERT messages, but it never
// preempts a running phase and holds no reference back into the
// coordinator's loop state.
type observer struct {
	bus  *bus.Bus
	log  *pipelog.Logger
	quit chan struct{}
	wg   sync.WaitGroup

	mu           sync.Mutex
	recentErrors []time.Time
}

// errorBurst is the alert threshold: this many PHASE_ERROR events within
// errorBurstWindow raises a SYSTEM_ALERT.
const (
	errorBurst       = 3
	errorBurstWindow = 10 * time.Minute
)

func newObserver(b *bus.Bus) *observer {
	return &observer{
		bus:  b,
		log:  pipelog.Get(pipelog.CategoryCoordinator),
		quit: make(chan struct{}),
	}
}

func (o *observer) start() {
	errType := model.MsgPhaseError
	o.bus.Subscribe("observer", &errType, o.onPhaseError)

	o.wg.Add(1)
	go o.sweep()
}

// onPhaseError records the error and raises an alert on a burst.
func (o *observer) onPhaseError(msg model.Message) {
	now := time.Now()

	o.mu.Lock()
	o.recentErrors = append(o.recentErrors, now)
	cutoff := now.Add(-errorBurstWindow)
	trimmed := o.recentErrors[:0]
	for _, t := range o.recentErrors {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	o.recentErrors = trimmed
	burst := len(o.recentErrors) >= errorBurst
	if burst {
		o.recentErrors = nil
	}
	o.mu.Unlock()

	if burst {
		phaseName, _ := msg.Payload["phase"].(string)
		o.log.Warn("observer: phase error burst, last from %s", phaseName)
		o.bus.Publish(model.Message{
			Type:      model.MsgSystemAlert,
			Priority:  model.PriorityCritical,
			Sender:    "observer",
			Recipient: Recipient,
			Payload:   map[string]any{"kind": "phase_error_burst", "phase": phaseName},
		})
	}
}

// sweep periodically drains the observer's own queue so broadcast
// traffic cannot accumulate against its recipient cap.
func (o *observer) sweep() {
	defer o.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.quit:
			return
		case <-ticker.C:
			o.bus.Get("observer", bus.GetFilter{})
		}
	}
}

// stop terminates the background goroutine; subscribed handlers are
// inert once the bus shuts down.
func (o *observer) stop() {
	close(o.quit)
	o.wg.Wait()
}
