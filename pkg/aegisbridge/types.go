package aegisbridge

import (
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// DataPoint is one timeseries value as delivered to sinks.
type DataPoint = domain.DataPoint

// Event is one source event as delivered to sinks.
type Event = domain.Event

// Node and Variable are the entities mirrored from the source hierarchy.
type (
	Node      = domain.Node
	Variable  = domain.Variable
	Reference = domain.Reference
)

// DeleteResult lists ids that disappeared from the source.
type DeleteResult = domain.DeleteResult

// Sink consumes nodes, data points and events and persists them to any
// downstream system.
type Sink = ports.Sink

// PushResult is the tri-state outcome of a sink call.
type PushResult = ports.PushResult

const (
	PushNoop   = ports.PushNoop
	PushOK     = ports.PushOK
	PushFailed = ports.PushFailed
)

// Source is the protocol client the runtime browses, reads and subscribes through.
type Source = ports.Source

// StateStore persists known ids and history progress.
type StateStore = ports.StateStore

// PointQueue is the bounded queue between live subscriptions and the sinks.
type PointQueue = ports.Queue[domain.DataPoint]

// PointBuffer absorbs data points while sinks are unavailable.
type PointBuffer = ports.PointBuffer

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field
