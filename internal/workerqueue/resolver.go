package workerqueue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/domain"
	"github.com/SirClappington/runengine/internal/runqueue"
)

// Source yields the current raw override document.
type Source interface {
	Load(ctx context.Context) ([]byte, error)
}

// Resolver maps a queued message to the worker queue that serves it.
type Resolver struct {
	masterQueue string
	source      Source
	logger      *zap.Logger

	mu        sync.RWMutex
	raw       string
	overrides *Overrides
}

// NewResolver routes legacy non-development messages to masterQueue. initial
// is an override document taken from configuration; if it does not parse it
// is logged and ignored.
func NewResolver(masterQueue string, initial []byte, source Source, logger *zap.Logger) *Resolver {
	res := &Resolver{
		masterQueue: masterQueue,
		source:      source,
		logger:      logger.Named("workerqueue"),
		overrides:   &Overrides{},
	}
	res.apply(initial)
	return res
}

// Refresh reloads overrides from the source. A load failure keeps the current
// table; a malformed document clears it.
func (res *Resolver) Refresh(ctx context.Context) {
	if res.source == nil {
		return
	}
	raw, err := res.source.Load(ctx)
	if err != nil {
		res.logger.Warn("load worker queue overrides failed", zap.Error(err))
		return
	}
	res.apply(raw)
}

func (res *Resolver) apply(raw []byte) {
	res.mu.RLock()
	same := res.raw == string(raw)
	res.mu.RUnlock()
	if same {
		return
	}
	o, err := ParseOverrides(raw)
	if err != nil {
		res.logger.Error("ignoring worker queue overrides", zap.Error(err))
		o = &Overrides{}
	}
	res.mu.Lock()
	res.raw = string(raw)
	res.overrides = o
	res.mu.Unlock()
}

// Resolve returns the worker queue for msg.
func (res *Resolver) Resolve(msg runqueue.Message) string {
	res.mu.RLock()
	o := res.overrides
	res.mu.RUnlock()

	d := msg.Descriptor()
	fallback := res.defaultQueue(msg)
	if q, ok := o.EnvironmentID[d.EnvironmentID]; ok {
		return q
	}
	if q, ok := o.ProjectID[d.ProjectID]; ok {
		return q
	}
	if q, ok := o.OrgID[d.OrgID]; ok {
		return q
	}
	if q, ok := o.WorkerQueue[fallback]; ok {
		return q
	}
	return fallback
}

func (res *Resolver) defaultQueue(msg runqueue.Message) string {
	switch m := msg.(type) {
	case runqueue.MessageV1:
		if m.EnvironmentType == domain.EnvDevelopment {
			return m.EnvironmentID
		}
		return res.masterQueue
	case runqueue.MessageV2:
		return m.WorkerQueue
	default:
		panic(fmt.Sprintf("workerqueue: unhandled message type %T", msg))
	}
}
