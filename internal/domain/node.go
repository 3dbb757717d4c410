package domain

import "strings"

// NodeClass discriminates the entity variants produced by a browse pass.
type NodeClass int

const (
	NodeClassUnspecified NodeClass = iota
	NodeClassObject
	NodeClassVariable
	NodeClassObjectType
	NodeClassVariableType
	NodeClassReferenceType
	NodeClassDataType
	NodeClassView
)

func (c NodeClass) String() string {
	switch c {
	case NodeClassObject:
		return "Object"
	case NodeClassVariable:
		return "Variable"
	case NodeClassObjectType:
		return "ObjectType"
	case NodeClassVariableType:
		return "VariableType"
	case NodeClassReferenceType:
		return "ReferenceType"
	case NodeClassDataType:
		return "DataType"
	case NodeClassView:
		return "View"
	default:
		return "Unspecified"
	}
}

// Entity is implemented by both Node and Variable so the sync engine can treat
// objects and timeseries uniformly where only the shared identity matters.
type Entity interface {
	Base() *Node
	IsVariable() bool
}

// Node is a non-timeseries entity (object, folder, type) in the source hierarchy.
type Node struct {
	// ID is the external id derived from the source address.
	ID          string `json:"id"`
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	// ParentID is empty for root nodes.
	ParentID   string      `json:"parent_id,omitempty"`
	NodeClass  NodeClass   `json:"node_class"`
	Properties []*Variable `json:"properties,omitempty"`
	// NodeType is the type definition reference, used as synthetic metadata.
	NodeType string `json:"node_type,omitempty"`
	// EmitsEvents marks nodes whose event history is read.
	EmitsEvents bool `json:"emits_events,omitempty"`
}

func (n *Node) Base() *Node      { return n }
func (n *Node) IsVariable() bool { return false }

// AddProperty attaches a property variable to the node and demotes it from
// the top-level push lists.
func (n *Node) AddProperty(p *Variable) {
	if p == nil {
		return
	}
	p.IsProperty = true
	p.ParentID = n.ID
	n.Properties = append(n.Properties, p)
}

// DataType describes the value type of a variable.
type DataType struct {
	ID         string           `json:"id"`
	IsString   bool             `json:"is_string"`
	IsStep     bool             `json:"is_step"`
	EnumValues map[int64]string `json:"enum_values,omitempty"`
}

// Builtin numeric types in namespace 0: Boolean through Double.
var numericBuiltins = map[string]struct{}{
	"i=1": {}, "i=2": {}, "i=3": {}, "i=4": {}, "i=5": {}, "i=6": {},
	"i=7": {}, "i=8": {}, "i=9": {}, "i=10": {}, "i=11": {},
}

// NewDataType resolves a raw data type id into a DataType. Boolean and
// enumerations are step types; anything that is not a builtin numeric type is
// treated as a string.
func NewDataType(id string, enumValues map[int64]string) DataType {
	dt := DataType{ID: id, EnumValues: enumValues}
	_, numeric := numericBuiltins[strings.TrimPrefix(id, "ns=0;")]
	switch {
	case len(enumValues) > 0:
		dt.IsStep = true
	case id == "i=1" || id == "ns=0;i=1":
		dt.IsStep = true
	case !numeric:
		dt.IsString = true
	}
	return dt
}

// Variable is a timeseries-capable entity. Properties are variables that are
// folded into their owner's metadata.
type Variable struct {
	Node
	DataType        DataType   `json:"data_type"`
	ValueRank       int32      `json:"value_rank"`
	ArrayDimensions []uint32   `json:"array_dimensions,omitempty"`
	Index           int        `json:"index"`
	ArrayParentID   string     `json:"array_parent_id,omitempty"`
	Historizing     bool       `json:"historizing"`
	IsProperty      bool       `json:"is_property"`
	LatestTimestamp int64      `json:"latest_timestamp,omitempty"`
	Value           *DataPoint `json:"value,omitempty"`
}

// NewVariable returns a scalar variable with Index set to -1.
func NewVariable(id, nodeID, displayName string) *Variable {
	return &Variable{
		Node:  Node{ID: id, NodeID: nodeID, DisplayName: displayName, NodeClass: NodeClassVariable},
		Index: -1,
	}
}

func (v *Variable) Base() *Node      { return &v.Node }
func (v *Variable) IsVariable() bool { return true }

// IsArray reports whether the variable has a fixed, single dimension that
// should be expanded into indexed children.
func (v *Variable) IsArray() bool {
	return v.ValueRank == 1 && len(v.ArrayDimensions) == 1 && v.ArrayDimensions[0] > 0
}

// IsArrayElement reports whether the variable is a child produced by array expansion.
func (v *Variable) IsArrayElement() bool { return v.Index >= 0 }

// Metadata flattens properties into a name/value map. Nested properties are
// keyed by their parent's name joined with an underscore. Duplicate keys keep
// the greatest value so the result does not depend on property order.
func (n *Node) Metadata(includeNodeType bool) map[string]string {
	out := make(map[string]string)
	flattenProperties(out, "", n.Properties)
	if includeNodeType && n.NodeType != "" {
		out["TypeDefinition"] = n.NodeType
	}
	return out
}

func flattenProperties(out map[string]string, prefix string, props []*Variable) {
	for _, p := range props {
		if p == nil {
			continue
		}
		key := prefix + p.DisplayName
		val := ""
		if p.Value != nil {
			val = p.Value.Format()
		}
		if cur, ok := out[key]; !ok || val > cur {
			out[key] = val
		}
		if len(p.Properties) > 0 {
			flattenProperties(out, key+"_", p.Properties)
		}
	}
}
