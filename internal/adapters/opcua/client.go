// Package opcua implements the source boundary on top of gopcua.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// session is the subset of *opcua.Client the source uses.
type session interface {
	Close(ctx context.Context) error
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
	BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error)
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	HistoryReadRawModified(ctx context.Context, nodes []*ua.HistoryReadValueID, details *ua.ReadRawModifiedDetails) (*ua.HistoryReadResponse, error)
	HistoryReadEvent(ctx context.Context, nodes []*ua.HistoryReadValueID, details *ua.ReadEventDetails) (*ua.HistoryReadResponse, error)
	Send(ctx context.Context, req ua.Request, h func(ua.Response) error) error
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (*opcua.Subscription, error)
}

// attributes read per node, in request order
var readAttributes = []ua.AttributeID{
	ua.AttributeIDDescription,
	ua.AttributeIDDataType,
	ua.AttributeIDValueRank,
	ua.AttributeIDArrayDimensions,
	ua.AttributeIDHistorizing,
	ua.AttributeIDEventNotifier,
	ua.AttributeIDValue,
}

// Client is a connected OPC UA session exposed as a ports.Source.
type Client struct {
	cfg    Config
	sess   session
	obs    ports.Observability
	fields []string

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Dial opens and activates a session.
func Dial(ctx context.Context, cfg Config, obs ports.Observability) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := opcua.NewClient(cfg.Endpoint, buildClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}
	return newClient(client, cfg, obs), nil
}

func newClient(sess session, cfg Config, obs ports.Observability) *Client {
	cfg.ApplyDefaults()
	if obs == nil {
		obs = observability.Nop()
	}
	return &Client{
		cfg:    cfg,
		sess:   sess,
		obs:    obs,
		fields: eventFieldNames(cfg.EventFields),
		subs:   make(map[*subscription]struct{}),
	}
}

func buildClientOptions(cfg Config) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(cfg.SecurityPolicy)),
		opcua.ApplicationName(cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if cfg.CertificateFile != "" {
		opts = append(opts, opcua.CertificateFile(cfg.CertificateFile), opcua.PrivateKeyFile(cfg.PrivateKeyFile))
	}
	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

func parseNodeIDs(ids []string) ([]*ua.NodeID, error) {
	out := make([]*ua.NodeID, len(ids))
	for i, s := range ids {
		nid, err := ua.ParseNodeID(s)
		if err != nil {
			return nil, ports.NewTerminal("parse node id", fmt.Errorf("%q: %w", s, err))
		}
		out[i] = nid
	}
	return out, nil
}

// BrowseChildren browses every parent in one request and follows
// continuation points until each result is complete.
func (c *Client) BrowseChildren(ctx context.Context, parents []string, filter ports.BrowseFilter) (map[string][]domain.ReferenceDescription, error) {
	nodes, err := parseNodeIDs(parents)
	if err != nil {
		return nil, err
	}
	refType := ua.NewNumericNodeID(0, id.HierarchicalReferences)
	if filter.ReferenceTypeID != "" {
		if refType, err = ua.ParseNodeID(filter.ReferenceTypeID); err != nil {
			return nil, ports.NewTerminal("parse reference type", err)
		}
	}
	direction := ua.BrowseDirectionForward
	if refType.IntID() == id.NonHierarchicalReferences && refType.Namespace() == 0 {
		direction = ua.BrowseDirectionBoth
	}

	req := &ua.BrowseRequest{
		NodesToBrowse:                 make([]*ua.BrowseDescription, len(nodes)),
		RequestedMaxReferencesPerNode: c.cfg.MaxReferencesPerNode,
	}
	for i, n := range nodes {
		req.NodesToBrowse[i] = &ua.BrowseDescription{
			NodeID:          n,
			BrowseDirection: direction,
			ReferenceTypeID: refType,
			IncludeSubtypes: true,
			NodeClassMask:   nodeClassMask(filter.NodeClasses),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}
	}

	callCtx, cancel := c.callCtx(ctx)
	resp, err := c.sess.Browse(callCtx, req)
	cancel()
	if err != nil {
		return nil, classify("browse", err)
	}
	if len(resp.Results) != len(parents) {
		return nil, ports.NewTransient("browse", fmt.Errorf("expected %d results, got %d", len(parents), len(resp.Results)))
	}

	out := make(map[string][]domain.ReferenceDescription, len(parents))
	pending := make(map[string]string)
	for i, res := range resp.Results {
		if isBad(res.StatusCode) {
			c.obs.LogDebug("browse_node_failed",
				ports.Field{Key: "node", Value: parents[i]},
				ports.Field{Key: "status", Value: res.StatusCode.Error()})
			continue
		}
		for _, r := range res.References {
			out[parents[i]] = append(out[parents[i]], toReferenceDescription(r))
		}
		if len(res.ContinuationPoint) > 0 {
			pending[string(res.ContinuationPoint)] = parents[i]
		}
	}

	for len(pending) > 0 {
		cps := make([][]byte, 0, len(pending))
		owners := make([]string, 0, len(pending))
		for cp, owner := range pending {
			cps = append(cps, []byte(cp))
			owners = append(owners, owner)
		}
		pending = make(map[string]string)

		callCtx, cancel := c.callCtx(ctx)
		next, err := c.sess.BrowseNext(callCtx, &ua.BrowseNextRequest{ContinuationPoints: cps})
		cancel()
		if err != nil {
			return nil, classify("browse next", err)
		}
		for i, res := range next.Results {
			if i >= len(owners) || isBad(res.StatusCode) {
				continue
			}
			for _, r := range res.References {
				out[owners[i]] = append(out[owners[i]], toReferenceDescription(r))
			}
			if len(res.ContinuationPoint) > 0 {
				pending[string(res.ContinuationPoint)] = owners[i]
			}
		}
	}
	return out, nil
}

// ReadAttributes reads the sync-relevant attributes of each node. Attributes
// a node class does not have are left at their zero value.
func (c *Client) ReadAttributes(ctx context.Context, nodeIDs []string) (map[string]ports.Attributes, error) {
	nodes, err := parseNodeIDs(nodeIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ports.Attributes, len(nodeIDs))
	for start := 0; start < len(nodes); start += c.cfg.MaxNodesPerRead {
		end := min(start+c.cfg.MaxNodesPerRead, len(nodes))
		req := &ua.ReadRequest{
			TimestampsToReturn: ua.TimestampsToReturnSource,
			NodesToRead:        make([]*ua.ReadValueID, 0, (end-start)*len(readAttributes)),
		}
		for _, n := range nodes[start:end] {
			for _, attr := range readAttributes {
				req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: n, AttributeID: attr})
			}
		}

		callCtx, cancel := c.callCtx(ctx)
		resp, err := c.sess.Read(callCtx, req)
		cancel()
		if err != nil {
			return nil, classify("read", err)
		}
		if len(resp.Results) != len(req.NodesToRead) {
			return nil, ports.NewTransient("read", fmt.Errorf("expected %d results, got %d", len(req.NodesToRead), len(resp.Results)))
		}
		for i, nid := range nodeIDs[start:end] {
			out[nid] = toAttributes(resp.Results[i*len(readAttributes) : (i+1)*len(readAttributes)])
		}
	}
	return out, nil
}

func toAttributes(values []*ua.DataValue) ports.Attributes {
	a := ports.Attributes{ValueRank: -1}
	for i, dv := range values {
		if dv == nil || isBad(dv.Status) || dv.Value == nil {
			continue
		}
		switch readAttributes[i] {
		case ua.AttributeIDDescription:
			a.Description, _ = variantValue(dv.Value).(string)
		case ua.AttributeIDDataType:
			a.DataTypeID, _ = variantValue(dv.Value).(string)
		case ua.AttributeIDValueRank:
			a.ValueRank, _ = dv.Value.Value().(int32)
		case ua.AttributeIDArrayDimensions:
			a.ArrayDimensions, _ = dv.Value.Value().([]uint32)
		case ua.AttributeIDHistorizing:
			a.Historizing, _ = dv.Value.Value().(bool)
		case ua.AttributeIDEventNotifier:
			// bit 2 is HistoryRead
			if b, ok := dv.Value.Value().(uint8); ok {
				a.EventNotifier = b&0x4 != 0
			}
		case ua.AttributeIDValue:
			a.Value = variantValue(dv.Value)
			a.ValueTimestamp = pickTimestamp(dv)
		}
	}
	return a
}

func historyResult(op string, resp *ua.HistoryReadResponse) (*ua.HistoryReadResult, error) {
	if resp == nil || len(resp.Results) == 0 {
		return nil, ports.NewTransient(op, errors.New("empty history response"))
	}
	res := resp.Results[0]
	if isBad(res.StatusCode) {
		return nil, classify(op, res.StatusCode)
	}
	return res, nil
}

func continuation(cp []byte) []byte {
	if len(cp) == 0 {
		return nil
	}
	return append([]byte(nil), cp...)
}

func (c *Client) HistoryReadData(ctx context.Context, req ports.HistoryRequest) (ports.HistoryDataPage, error) {
	nid, err := ua.ParseNodeID(req.NodeID)
	if err != nil {
		return ports.HistoryDataPage{}, ports.NewTerminal("parse node id", err)
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.sess.HistoryReadRawModified(callCtx,
		[]*ua.HistoryReadValueID{{NodeID: nid, ContinuationPoint: req.Continuation, DataEncoding: &ua.QualifiedName{}}},
		&ua.ReadRawModifiedDetails{
			StartTime:        req.Start,
			EndTime:          req.End,
			NumValuesPerNode: uint32(req.PageSize),
		})
	if err != nil {
		return ports.HistoryDataPage{}, classify("history read data", err)
	}
	res, err := historyResult("history read data", resp)
	if err != nil {
		return ports.HistoryDataPage{}, err
	}

	page := ports.HistoryDataPage{Continuation: continuation(res.ContinuationPoint)}
	if res.HistoryData == nil {
		return page, nil
	}
	data, ok := res.HistoryData.Value.(*ua.HistoryData)
	if !ok {
		return page, nil
	}
	page.Values = make([]ports.RawValue, 0, len(data.DataValues))
	for _, dv := range data.DataValues {
		if dv == nil || isBad(dv.Status) {
			continue
		}
		page.Values = append(page.Values, ports.RawValue{Timestamp: pickTimestamp(dv), Value: variantValue(dv.Value)})
	}
	return page, nil
}

func (c *Client) eventFilter() *ua.EventFilter {
	baseEvent := ua.NewNumericNodeID(0, id.BaseEventType)
	f := &ua.EventFilter{SelectClauses: make([]*ua.SimpleAttributeOperand, len(c.fields))}
	for i, name := range c.fields {
		f.SelectClauses[i] = &ua.SimpleAttributeOperand{
			TypeDefinitionID: baseEvent,
			BrowsePath:       []*ua.QualifiedName{{NamespaceIndex: 0, Name: name}},
			AttributeID:      ua.AttributeIDValue,
		}
	}
	return f
}

func (c *Client) HistoryReadEvents(ctx context.Context, req ports.HistoryRequest) (ports.HistoryEventPage, error) {
	nid, err := ua.ParseNodeID(req.NodeID)
	if err != nil {
		return ports.HistoryEventPage{}, ports.NewTerminal("parse node id", err)
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.sess.HistoryReadEvent(callCtx,
		[]*ua.HistoryReadValueID{{NodeID: nid, ContinuationPoint: req.Continuation, DataEncoding: &ua.QualifiedName{}}},
		&ua.ReadEventDetails{
			StartTime:        req.Start,
			EndTime:          req.End,
			NumValuesPerNode: uint32(req.PageSize),
			Filter:           c.eventFilter(),
		})
	if err != nil {
		return ports.HistoryEventPage{}, classify("history read events", err)
	}
	res, err := historyResult("history read events", resp)
	if err != nil {
		return ports.HistoryEventPage{}, err
	}

	page := ports.HistoryEventPage{Continuation: continuation(res.ContinuationPoint)}
	if res.HistoryData == nil {
		return page, nil
	}
	hist, ok := res.HistoryData.Value.(*ua.HistoryEvent)
	if !ok {
		return page, nil
	}
	for _, ev := range hist.Events {
		if ev == nil {
			continue
		}
		e := toEvent(req.NodeID, c.fields, ev.EventFields)
		if e.EventID == "" || e.Time.IsZero() {
			continue
		}
		page.Events = append(page.Events, e)
	}
	return page, nil
}

// ReleaseContinuation asks the server to drop a history continuation point.
func (c *Client) ReleaseContinuation(ctx context.Context, nodeID string, cp []byte, events bool) error {
	if len(cp) == 0 {
		return nil
	}
	nid, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return ports.NewTerminal("parse node id", err)
	}
	var details any = &ua.ReadRawModifiedDetails{}
	if events {
		details = &ua.ReadEventDetails{Filter: c.eventFilter()}
	}
	req := &ua.HistoryReadRequest{
		HistoryReadDetails:        ua.NewExtensionObject(details),
		TimestampsToReturn:        ua.TimestampsToReturnBoth,
		ReleaseContinuationPoints: true,
		NodesToRead:               []*ua.HistoryReadValueID{{NodeID: nid, ContinuationPoint: cp, DataEncoding: &ua.QualifiedName{}}},
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	return classify("release continuation", c.sess.Send(callCtx, req, func(ua.Response) error { return nil }))
}

// Subscribe creates one subscription monitoring the Value attribute of every
// item. Notifications are delivered to out until the subscription is
// cancelled or ctx ends.
func (c *Client) Subscribe(ctx context.Context, name string, items []ports.MonitorRequest, out chan<- ports.Notification) (ports.Subscription, error) {
	nodes := make([]string, len(items))
	for i, it := range items {
		nodes[i] = it.NodeID
	}
	nids, err := parseNodeIDs(nodes)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	notifyCh := make(chan *opcua.PublishNotificationData, len(items)*4+1)
	sub, err := c.sess.Subscribe(runCtx, &opcua.SubscriptionParameters{Interval: c.cfg.PublishInterval}, notifyCh)
	if err != nil {
		cancel()
		return nil, classify("subscribe", err)
	}

	reqs := make([]*ua.MonitoredItemCreateRequest, len(items))
	for i, it := range items {
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nids[i], ua.AttributeIDValue, uint32(i+1))
		if it.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(it.SamplingInterval / time.Millisecond)
		}
		if it.QueueSize > 0 {
			req.RequestedParameters.QueueSize = it.QueueSize
			req.RequestedParameters.DiscardOldest = true
		}
		reqs[i] = req
	}
	res, err := sub.Monitor(runCtx, ua.TimestampsToReturnBoth, reqs...)
	if err != nil {
		cancel()
		_ = sub.Cancel(context.WithoutCancel(ctx))
		return nil, classify("monitor", err)
	}

	handles := make(map[uint32]string, len(items))
	for i, r := range res.Results {
		if i >= len(items) {
			break
		}
		if r.StatusCode != ua.StatusOK {
			c.obs.LogError("monitor_item_failed", r.StatusCode,
				ports.Field{Key: "subscription", Value: name},
				ports.Field{Key: "node", Value: items[i].NodeID})
			continue
		}
		handles[uint32(i+1)] = items[i].NodeID
	}
	if len(handles) == 0 && len(items) > 0 {
		cancel()
		_ = sub.Cancel(context.WithoutCancel(ctx))
		return nil, ports.NewTerminal("monitor", fmt.Errorf("subscription %s: no item could be monitored", name))
	}

	s := &subscription{client: c, sub: sub, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer close(s.done)
		consume(runCtx, notifyCh, handles, out, c.obs)
	}()
	c.obs.LogInfo("subscription_created",
		ports.Field{Key: "subscription", Value: name},
		ports.Field{Key: "items", Value: len(handles)})
	return s, nil
}

func consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, handles map[uint32]string, out chan<- ports.Notification, obs ports.Observability) {
	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				obs.LogError("opcua_notification_error", notif.Error)
				continue
			}
			for _, n := range dataChanges(notif.Value, handles) {
				select {
				case <-ctx.Done():
					return
				case out <- n:
				}
			}
		}
	}
}

func dataChanges(val any, handles map[uint32]string) []ports.Notification {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return nil
	}
	out := make([]ports.Notification, 0, len(data.MonitoredItems))
	for _, item := range data.MonitoredItems {
		nodeID, ok := handles[item.ClientHandle]
		if !ok || item.Value == nil {
			continue
		}
		if isBad(item.Value.Status) {
			out = append(out, ports.Notification{NodeID: nodeID, Err: item.Value.Status})
			continue
		}
		out = append(out, ports.Notification{
			NodeID: nodeID,
			Value:  ports.RawValue{Timestamp: pickTimestamp(item.Value), Value: variantValue(item.Value.Value)},
		})
	}
	return out
}

type subscription struct {
	client *Client
	sub    *opcua.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Cancel(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()

		s.cancel()
		if s.sub != nil {
			if e := s.sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
				err = e
			}
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	})
	return err
}

// Close cancels every live subscription and closes the session.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var err error
	for _, s := range subs {
		err = errors.Join(err, s.Cancel(ctx))
	}
	if e := c.sess.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
		err = errors.Join(err, e)
	}
	return err
}

var _ ports.Source = (*Client)(nil)
