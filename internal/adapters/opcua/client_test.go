package opcua

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

type fakeSession struct {
	browse     func(*ua.BrowseRequest) (*ua.BrowseResponse, error)
	browseNext func(*ua.BrowseNextRequest) (*ua.BrowseNextResponse, error)
	read       func(*ua.ReadRequest) (*ua.ReadResponse, error)
	history    func([]*ua.HistoryReadValueID, *ua.ReadRawModifiedDetails) (*ua.HistoryReadResponse, error)
	events     func([]*ua.HistoryReadValueID, *ua.ReadEventDetails) (*ua.HistoryReadResponse, error)
	sent       []ua.Request
	closed     bool
}

func (f *fakeSession) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeSession) Browse(_ context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	return f.browse(req)
}

func (f *fakeSession) BrowseNext(_ context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
	return f.browseNext(req)
}

func (f *fakeSession) Read(_ context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	return f.read(req)
}

func (f *fakeSession) HistoryReadRawModified(_ context.Context, nodes []*ua.HistoryReadValueID, d *ua.ReadRawModifiedDetails) (*ua.HistoryReadResponse, error) {
	return f.history(nodes, d)
}

func (f *fakeSession) HistoryReadEvent(_ context.Context, nodes []*ua.HistoryReadValueID, d *ua.ReadEventDetails) (*ua.HistoryReadResponse, error) {
	return f.events(nodes, d)
}

func (f *fakeSession) Send(_ context.Context, req ua.Request, _ func(ua.Response) error) error {
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSession) Subscribe(context.Context, *opcua.SubscriptionParameters, chan<- *opcua.PublishNotificationData) (*opcua.Subscription, error) {
	return nil, ua.StatusBadTooManySubscriptions
}

func ref(nodeID *ua.NodeID, name string, class ua.NodeClass) *ua.ReferenceDescription {
	return &ua.ReferenceDescription{
		ReferenceTypeID: ua.NewNumericNodeID(0, 35),
		IsForward:       true,
		NodeID:          &ua.ExpandedNodeID{NodeID: nodeID},
		BrowseName:      &ua.QualifiedName{NamespaceIndex: 2, Name: name},
		DisplayName:     &ua.LocalizedText{Text: name},
		NodeClass:       class,
		TypeDefinition:  &ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, 58)},
	}
}

func TestNormalizeSecurity(t *testing.T) {
	cases := map[string]string{"": "None", "sign": "Sign", "SignAndEncrypt": "SignAndEncrypt", "sign+encrypt": "SignAndEncrypt", "bogus": "None"}
	for in, want := range cases {
		if got := normalizeSecurityMode(in); got != want {
			t.Fatalf("normalizeSecurityMode(%q) = %q, want %q", in, got, want)
		}
	}
	if got := normalizeSecurityPolicy(""); got != "None" {
		t.Fatalf("expected None policy, got %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected endpoint error")
	}
	cfg = Config{Endpoint: "opc.tcp://localhost:4840", CertificateFile: "cert.pem"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected key file error")
	}
	cfg.ApplyDefaults()
	if cfg.SecurityMode != "None" || cfg.RequestTimeout != 30*time.Second || cfg.MaxNodesPerRead != 100 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestClassify(t *testing.T) {
	if !ports.IsTerminal(classify("read", ua.StatusBadNodeIDUnknown)) {
		t.Fatalf("unknown node must be terminal")
	}
	if ports.IsTerminal(classify("read", ua.StatusBadTimeout)) {
		t.Fatalf("timeout must be transient")
	}
	if ports.IsTerminal(classify("read", errors.New("connection reset"))) {
		t.Fatalf("plain errors must be transient")
	}
	if classify("read", nil) != nil {
		t.Fatalf("nil stays nil")
	}
}

func TestNodeClassMapping(t *testing.T) {
	mask := nodeClassMask([]domain.NodeClass{domain.NodeClassObject, domain.NodeClassVariable})
	if mask != uint32(ua.NodeClassObject)|uint32(ua.NodeClassVariable) {
		t.Fatalf("unexpected mask %d", mask)
	}
	if fromUANodeClass(ua.NodeClassVariable) != domain.NodeClassVariable {
		t.Fatalf("variable class not mapped")
	}
	if fromUANodeClass(ua.NodeClassMethod) != domain.NodeClassUnspecified {
		t.Fatalf("methods are not extracted")
	}
}

func TestBrowseChildrenFollowsContinuation(t *testing.T) {
	sess := &fakeSession{}
	sess.browse = func(req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
		if len(req.NodesToBrowse) != 2 {
			t.Fatalf("expected 2 browse descriptions, got %d", len(req.NodesToBrowse))
		}
		if req.NodesToBrowse[0].BrowseDirection != ua.BrowseDirectionForward {
			t.Fatalf("hierarchical browse must be forward")
		}
		return &ua.BrowseResponse{Results: []*ua.BrowseResult{
			{
				References:        []*ua.ReferenceDescription{ref(ua.NewStringNodeID(2, "Line1"), "Line1", ua.NodeClassObject)},
				ContinuationPoint: []byte("cp1"),
			},
			{StatusCode: ua.StatusBadNodeIDUnknown},
		}}, nil
	}
	sess.browseNext = func(req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
		if len(req.ContinuationPoints) != 1 || string(req.ContinuationPoints[0]) != "cp1" {
			t.Fatalf("unexpected continuation points %q", req.ContinuationPoints)
		}
		return &ua.BrowseNextResponse{Results: []*ua.BrowseResult{{
			References: []*ua.ReferenceDescription{ref(ua.NewStringNodeID(2, "Line2"), "Line2", ua.NodeClassObject)},
		}}}, nil
	}

	c := newClient(sess, Config{Endpoint: "opc.tcp://x"}, nil)
	out, err := c.BrowseChildren(context.Background(), []string{"i=85", "ns=2;s=Gone"}, ports.BrowseFilter{
		NodeClasses: []domain.NodeClass{domain.NodeClassObject},
	})
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	got := out["i=85"]
	if len(got) != 2 || got[0].NodeID != "ns=2;s=Line1" || got[1].DisplayName != "Line2" {
		t.Fatalf("unexpected children %+v", got)
	}
	if got[0].NodeClass != domain.NodeClassObject || got[0].TypeDefinition != "i=58" {
		t.Fatalf("unexpected reference mapping %+v", got[0])
	}
	if len(out["ns=2;s=Gone"]) != 0 {
		t.Fatalf("failed node must have no children")
	}
}

func TestBrowseNonHierarchicalUsesBothDirections(t *testing.T) {
	sess := &fakeSession{browse: func(req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
		if req.NodesToBrowse[0].BrowseDirection != ua.BrowseDirectionBoth {
			t.Fatalf("expected both directions")
		}
		return &ua.BrowseResponse{Results: []*ua.BrowseResult{{}}}, nil
	}}
	c := newClient(sess, Config{Endpoint: "opc.tcp://x"}, nil)
	if _, err := c.BrowseChildren(context.Background(), []string{"ns=2;s=A"}, ports.BrowseFilter{ReferenceTypeID: "i=32"}); err != nil {
		t.Fatalf("browse: %v", err)
	}
}

func TestReadAttributesChunks(t *testing.T) {
	reads := 0
	sess := &fakeSession{read: func(req *ua.ReadRequest) (*ua.ReadResponse, error) {
		reads++
		res := make([]*ua.DataValue, 0, len(req.NodesToRead))
		for _, rv := range req.NodesToRead {
			dv := &ua.DataValue{Status: ua.StatusOK}
			switch rv.AttributeID {
			case ua.AttributeIDDescription:
				dv.Value = ua.MustVariant(&ua.LocalizedText{Text: "desc " + rv.NodeID.String()})
			case ua.AttributeIDDataType:
				dv.Value = ua.MustVariant(ua.NewNumericNodeID(0, 11))
			case ua.AttributeIDValueRank:
				dv.Value = ua.MustVariant(int32(-1))
			case ua.AttributeIDHistorizing:
				dv.Value = ua.MustVariant(true)
			case ua.AttributeIDEventNotifier:
				dv.Value = ua.MustVariant(uint8(5))
			case ua.AttributeIDValue:
				dv.Value = ua.MustVariant(float64(42))
				dv.SourceTimestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			default:
				dv.Status = ua.StatusBadAttributeIDInvalid
			}
			res = append(res, dv)
		}
		return &ua.ReadResponse{Results: res}, nil
	}}
	c := newClient(sess, Config{Endpoint: "opc.tcp://x", MaxNodesPerRead: 2}, nil)

	out, err := c.ReadAttributes(context.Background(), []string{"ns=2;s=A", "ns=2;s=B", "ns=2;s=C"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reads != 2 {
		t.Fatalf("expected 2 chunked reads, got %d", reads)
	}
	a := out["ns=2;s=C"]
	if a.Description != "desc ns=2;s=C" || a.DataTypeID != "i=11" || a.ValueRank != -1 || !a.Historizing {
		t.Fatalf("unexpected attributes %+v", a)
	}
	if !a.EventNotifier {
		t.Fatalf("history read bit must mark the node as emitting events")
	}
	if a.Value != float64(42) || a.ValueTimestamp.Year() != 2024 {
		t.Fatalf("unexpected value %+v", a)
	}
	if a.ArrayDimensions != nil {
		t.Fatalf("bad status attributes must stay zero")
	}
}

func TestHistoryReadData(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sess := &fakeSession{history: func(nodes []*ua.HistoryReadValueID, d *ua.ReadRawModifiedDetails) (*ua.HistoryReadResponse, error) {
		if string(nodes[0].ContinuationPoint) != "prev" || d.NumValuesPerNode != 100 {
			t.Fatalf("unexpected request %+v %+v", nodes[0], d)
		}
		return &ua.HistoryReadResponse{Results: []*ua.HistoryReadResult{{
			StatusCode:        ua.StatusOK,
			ContinuationPoint: []byte("next"),
			HistoryData: &ua.ExtensionObject{Value: &ua.HistoryData{DataValues: []*ua.DataValue{
				{Value: ua.MustVariant(1.5), SourceTimestamp: ts},
				{Value: ua.MustVariant(2.5), Status: ua.StatusBadSensorFailure, SourceTimestamp: ts.Add(time.Second)},
				{Value: ua.MustVariant(3.5), ServerTimestamp: ts.Add(2 * time.Second)},
			}}},
		}}}, nil
	}}
	c := newClient(sess, Config{Endpoint: "opc.tcp://x"}, nil)

	page, err := c.HistoryReadData(context.Background(), ports.HistoryRequest{
		NodeID: "ns=2;s=A", Start: ts, End: ts.Add(time.Hour), PageSize: 100, Continuation: []byte("prev"),
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if string(page.Continuation) != "next" {
		t.Fatalf("unexpected continuation %q", page.Continuation)
	}
	if len(page.Values) != 2 || page.Values[1].Timestamp != ts.Add(2*time.Second) {
		t.Fatalf("unexpected values %+v", page.Values)
	}
}

func TestHistoryReadDataStatus(t *testing.T) {
	sess := &fakeSession{history: func([]*ua.HistoryReadValueID, *ua.ReadRawModifiedDetails) (*ua.HistoryReadResponse, error) {
		return &ua.HistoryReadResponse{Results: []*ua.HistoryReadResult{{StatusCode: ua.StatusBadHistoryOperationUnsupported}}}, nil
	}}
	c := newClient(sess, Config{Endpoint: "opc.tcp://x"}, nil)
	_, err := c.HistoryReadData(context.Background(), ports.HistoryRequest{NodeID: "ns=2;s=A"})
	if !ports.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}

	sess.history = func([]*ua.HistoryReadValueID, *ua.ReadRawModifiedDetails) (*ua.HistoryReadResponse, error) {
		return nil, ua.StatusBadTimeout
	}
	_, err = c.HistoryReadData(context.Background(), ports.HistoryRequest{NodeID: "ns=2;s=A"})
	if err == nil || ports.IsTerminal(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	if _, err := c.HistoryReadData(context.Background(), ports.HistoryRequest{NodeID: "not a node"}); !ports.IsTerminal(err) {
		t.Fatalf("bad node ids are terminal")
	}
}

func TestHistoryReadEvents(t *testing.T) {
	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	sess := &fakeSession{events: func(_ []*ua.HistoryReadValueID, d *ua.ReadEventDetails) (*ua.HistoryReadResponse, error) {
		if len(d.Filter.SelectClauses) != len(baseEventFields)+1 {
			t.Fatalf("unexpected select clauses %d", len(d.Filter.SelectClauses))
		}
		fields := func(id []byte, at time.Time) *ua.HistoryEventFieldList {
			return &ua.HistoryEventFieldList{EventFields: []*ua.Variant{
				ua.MustVariant(id),
				ua.MustVariant(at),
				ua.MustVariant(ua.NewStringNodeID(2, "Press")),
				ua.MustVariant(ua.NewNumericNodeID(0, 2041)),
				ua.MustVariant(&ua.LocalizedText{Text: "overheat"}),
				ua.MustVariant("Press"),
				ua.MustVariant(uint16(700)),
				ua.MustVariant("shift-a"),
			}}
		}
		return &ua.HistoryReadResponse{Results: []*ua.HistoryReadResult{{
			HistoryData: &ua.ExtensionObject{Value: &ua.HistoryEvent{Events: []*ua.HistoryEventFieldList{
				fields([]byte{0xab, 0x01}, ts),
				// events without an id are dropped
				fields(nil, ts),
			}}},
		}}}, nil
	}}
	c := newClient(sess, Config{Endpoint: "opc.tcp://x", EventFields: []string{"Shift", "severity"}}, nil)

	page, err := c.HistoryReadEvents(context.Background(), ports.HistoryRequest{NodeID: "ns=2;s=Line1", PageSize: 10})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if page.Continuation != nil {
		t.Fatalf("expected no continuation")
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(page.Events))
	}
	e := page.Events[0]
	if e.EventID != "ab01" || !e.Time.Equal(ts) || e.EmittingNode != "ns=2;s=Line1" || e.SourceNode != "ns=2;s=Press" {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.EventType != "i=2041" || e.Message != "overheat" {
		t.Fatalf("unexpected event type or message %+v", e)
	}
	if v, ok := e.Meta("Shift"); !ok || v != "shift-a" {
		t.Fatalf("expected extra field in metadata, got %+v", e.MetaData)
	}
	if v, ok := e.Meta("Severity"); !ok || v != uint16(700) {
		t.Fatalf("expected severity in metadata, got %+v", e.MetaData)
	}
}

func TestReleaseContinuation(t *testing.T) {
	sess := &fakeSession{}
	c := newClient(sess, Config{Endpoint: "opc.tcp://x"}, nil)
	if err := c.ReleaseContinuation(context.Background(), "ns=2;s=A", nil, false); err != nil {
		t.Fatalf("empty continuation: %v", err)
	}
	if len(sess.sent) != 0 {
		t.Fatalf("nothing should be sent for an empty continuation")
	}
	if err := c.ReleaseContinuation(context.Background(), "ns=2;s=A", []byte("cp"), true); err != nil {
		t.Fatalf("release: %v", err)
	}
	req, ok := sess.sent[0].(*ua.HistoryReadRequest)
	if !ok || !req.ReleaseContinuationPoints || string(req.NodesToRead[0].ContinuationPoint) != "cp" {
		t.Fatalf("unexpected release request %+v", sess.sent[0])
	}
}

func TestSubscribeError(t *testing.T) {
	c := newClient(&fakeSession{}, Config{Endpoint: "opc.tcp://x"}, nil)
	out := make(chan ports.Notification, 1)
	_, err := c.Subscribe(context.Background(), "values", []ports.MonitorRequest{{NodeID: "ns=2;s=A"}}, out)
	if err == nil {
		t.Fatalf("expected subscribe error")
	}
}

func TestDataChanges(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	handles := map[uint32]string{1: "ns=2;s=A", 2: "ns=2;s=B"}
	out := dataChanges(&ua.DataChangeNotification{MonitoredItems: []*ua.MonitoredItemNotification{
		{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(int32(7)), SourceTimestamp: ts}},
		{ClientHandle: 2, Value: &ua.DataValue{Status: ua.StatusBadCommunicationError}},
		{ClientHandle: 9, Value: &ua.DataValue{Value: ua.MustVariant(int32(1))}},
	}}, handles)
	if len(out) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(out))
	}
	if out[0].NodeID != "ns=2;s=A" || out[0].Value.Value != int32(7) || !out[0].Value.Timestamp.Equal(ts) {
		t.Fatalf("unexpected notification %+v", out[0])
	}
	if out[1].Err == nil {
		t.Fatalf("bad status must surface as an error")
	}
	if dataChanges("not a data change", handles) != nil {
		t.Fatalf("other notifications are ignored")
	}
}

func TestCloseClosesSession(t *testing.T) {
	sess := &fakeSession{}
	c := newClient(sess, Config{Endpoint: "opc.tcp://x"}, nil)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sess.closed {
		t.Fatalf("session not closed")
	}
}
