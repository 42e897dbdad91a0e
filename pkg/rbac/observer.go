package rbac

import "time"

// Observer receives authorization telemetry. observability.Metrics is the
// Prometheus implementation.
type Observer interface {
	CacheLookup(hit bool)
	ResolveDone(err error, d time.Duration)
	Invalidated(scope string, err error)
	Decision(stage string, allowed bool)
	AuditFailed(action string)
}

type noopObserver struct{}

func (noopObserver) CacheLookup(bool)                 {}
func (noopObserver) ResolveDone(error, time.Duration) {}
func (noopObserver) Invalidated(string, error)        {}
func (noopObserver) Decision(string, bool)            {}
func (noopObserver) AuditFailed(string)               {}

func observerOrNoop(o Observer) Observer {
	if o == nil {
		return noopObserver{}
	}
	return o
}
