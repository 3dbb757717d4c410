package ports

import (
	"context"
	"time"

	"github.com/ghalamif/aegisbridge/internal/domain"
)

// BrowseFilter narrows a browse call.
type BrowseFilter struct {
	// ReferenceTypeID defaults to hierarchical references when empty.
	ReferenceTypeID string
	// NodeClasses limits results to the listed classes; empty means all.
	NodeClasses []domain.NodeClass
}

// Browser fetches the children of a set of nodes.
type Browser interface {
	BrowseChildren(ctx context.Context, parents []string, filter BrowseFilter) (map[string][]domain.ReferenceDescription, error)
}

// Attributes are the attribute values the sync engine needs for one node.
type Attributes struct {
	Description     string
	DataTypeID      string
	ValueRank       int32
	ArrayDimensions []uint32
	Historizing     bool
	EventNotifier   bool
	Value           any
	ValueTimestamp  time.Time
}

// AttributeReader reads node attributes in bulk.
type AttributeReader interface {
	ReadAttributes(ctx context.Context, nodeIDs []string) (map[string]Attributes, error)
}

// HistoryRequest describes one page of a history read. Start after End reads backwards.
type HistoryRequest struct {
	NodeID       string
	Start        time.Time
	End          time.Time
	PageSize     int
	Continuation []byte
}

// RawValue is one history or subscription sample before id mapping.
type RawValue struct {
	Timestamp time.Time
	Value     any
}

type HistoryDataPage struct {
	Values       []RawValue
	Continuation []byte
}

type HistoryEventPage struct {
	Events       []domain.Event
	Continuation []byte
}

// HistorySource issues paged history reads. A nil Continuation in the
// returned page means the node has no more data.
type HistorySource interface {
	HistoryReadData(ctx context.Context, req HistoryRequest) (HistoryDataPage, error)
	HistoryReadEvents(ctx context.Context, req HistoryRequest) (HistoryEventPage, error)
	ReleaseContinuation(ctx context.Context, nodeID string, continuation []byte, events bool) error
}

// MonitorRequest asks the source to watch one node.
type MonitorRequest struct {
	NodeID           string
	SamplingInterval time.Duration
	QueueSize        uint32
}

// Notification is one value change delivered by a subscription.
type Notification struct {
	NodeID string
	Value  RawValue
	Err    error
}

// Subscription is a live server-side subscription.
type Subscription interface {
	Cancel(ctx context.Context) error
}

// Subscriber delivers notifications into out until the subscription is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, name string, items []MonitorRequest, out chan<- Notification) (Subscription, error)
}

// Source is the complete capability set consumed from the protocol client.
type Source interface {
	Browser
	AttributeReader
	HistorySource
	Subscriber
	Close(ctx context.Context) error
}
