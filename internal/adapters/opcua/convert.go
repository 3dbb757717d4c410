package opcua

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// baseEventFields are always selected, in this order, by event history reads.
var baseEventFields = []string{"EventId", "Time", "SourceNode", "EventType", "Message", "SourceName", "Severity"}

// terminalStatus lists status codes that a retry cannot fix.
var terminalStatus = map[ua.StatusCode]struct{}{
	ua.StatusBadNodeIDUnknown:               {},
	ua.StatusBadNodeIDInvalid:               {},
	ua.StatusBadAttributeIDInvalid:          {},
	ua.StatusBadHistoryOperationUnsupported: {},
	ua.StatusBadContinuationPointInvalid:    {},
	ua.StatusBadUserAccessDenied:            {},
	ua.StatusBadNotReadable:                 {},
	ua.StatusBadNotSupported:                {},
	ua.StatusBadServiceUnsupported:          {},
	ua.StatusBadIdentityTokenRejected:       {},
	ua.StatusBadSecurityPolicyRejected:      {},
}

func isBad(sc ua.StatusCode) bool { return uint32(sc)&0x80000000 != 0 }

// classify wraps err as a ports.SourceError. Status codes in terminalStatus
// are terminal, everything else is worth a retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		if _, ok := terminalStatus[sc]; ok {
			return ports.NewTerminal(op, err)
		}
	}
	return ports.NewTransient(op, err)
}

func fromUANodeClass(c ua.NodeClass) domain.NodeClass {
	switch c {
	case ua.NodeClassObject:
		return domain.NodeClassObject
	case ua.NodeClassVariable:
		return domain.NodeClassVariable
	case ua.NodeClassObjectType:
		return domain.NodeClassObjectType
	case ua.NodeClassVariableType:
		return domain.NodeClassVariableType
	case ua.NodeClassReferenceType:
		return domain.NodeClassReferenceType
	case ua.NodeClassDataType:
		return domain.NodeClassDataType
	case ua.NodeClassView:
		return domain.NodeClassView
	default:
		return domain.NodeClassUnspecified
	}
}

func nodeClassMask(classes []domain.NodeClass) uint32 {
	var mask uint32
	for _, c := range classes {
		switch c {
		case domain.NodeClassObject:
			mask |= uint32(ua.NodeClassObject)
		case domain.NodeClassVariable:
			mask |= uint32(ua.NodeClassVariable)
		case domain.NodeClassObjectType:
			mask |= uint32(ua.NodeClassObjectType)
		case domain.NodeClassVariableType:
			mask |= uint32(ua.NodeClassVariableType)
		case domain.NodeClassReferenceType:
			mask |= uint32(ua.NodeClassReferenceType)
		case domain.NodeClassDataType:
			mask |= uint32(ua.NodeClassDataType)
		case domain.NodeClassView:
			mask |= uint32(ua.NodeClassView)
		}
	}
	return mask
}

func expandedID(id *ua.ExpandedNodeID) string {
	if id == nil || id.NodeID == nil {
		return ""
	}
	return id.NodeID.String()
}

func nodeIDString(id *ua.NodeID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func toReferenceDescription(r *ua.ReferenceDescription) domain.ReferenceDescription {
	out := domain.ReferenceDescription{
		NodeID:          expandedID(r.NodeID),
		NodeClass:       fromUANodeClass(r.NodeClass),
		ReferenceTypeID: nodeIDString(r.ReferenceTypeID),
		IsForward:       r.IsForward,
		TypeDefinition:  expandedID(r.TypeDefinition),
	}
	if r.BrowseName != nil {
		out.BrowseName = r.BrowseName.Name
	}
	if r.DisplayName != nil {
		out.DisplayName = r.DisplayName.Text
	}
	if out.DisplayName == "" {
		out.DisplayName = out.BrowseName
	}
	return out
}

// variantValue unwraps a variant into a plain Go value. Structured types
// that have a textual form are flattened to it.
func variantValue(v *ua.Variant) any {
	if v == nil {
		return nil
	}
	switch val := v.Value().(type) {
	case *ua.LocalizedText:
		if val == nil {
			return ""
		}
		return val.Text
	case *ua.QualifiedName:
		if val == nil {
			return ""
		}
		return val.Name
	case *ua.NodeID:
		return nodeIDString(val)
	case *ua.ExpandedNodeID:
		return expandedID(val)
	case ua.StatusCode:
		return uint32(val)
	case []byte:
		return hex.EncodeToString(val)
	default:
		return val
	}
}

// pickTimestamp prefers the source timestamp and falls back to the server's.
func pickTimestamp(dv *ua.DataValue) time.Time {
	if !dv.SourceTimestamp.IsZero() {
		return dv.SourceTimestamp
	}
	if !dv.ServerTimestamp.IsZero() {
		return dv.ServerTimestamp
	}
	return time.Now().UTC()
}

func eventFieldNames(extra []string) []string {
	names := append([]string(nil), baseEventFields...)
	for _, f := range extra {
		dup := false
		for _, n := range names {
			if strings.EqualFold(n, f) {
				dup = true
				break
			}
		}
		if !dup {
			names = append(names, f)
		}
	}
	return names
}

// toEvent maps one history event field list. Fields beyond the base set and
// SourceName/Severity become metadata in select order.
func toEvent(emitter string, names []string, fields []*ua.Variant) domain.Event {
	e := domain.Event{EmittingNode: emitter}
	for i, f := range fields {
		if i >= len(names) {
			break
		}
		val := variantValue(f)
		switch names[i] {
		case "EventId":
			e.EventID, _ = val.(string)
		case "Time":
			e.Time, _ = val.(time.Time)
		case "SourceNode":
			e.SourceNode, _ = val.(string)
		case "EventType":
			e.EventType, _ = val.(string)
		case "Message":
			e.Message, _ = val.(string)
		default:
			if val != nil {
				e.MetaData = append(e.MetaData, domain.MetaField{Name: names[i], Value: val})
			}
		}
	}
	return e
}
