package domain

import (
	"fmt"
	"strings"
)

// Vertex is one end of a reference.
type Vertex struct {
	ID         string `json:"id"`
	IsVariable bool   `json:"is_variable"`
}

// ReferenceType carries the display names for both directions.
type ReferenceType struct {
	ID           string `json:"id"`
	ForwardName  string `json:"forward_name"`
	InverseName  string `json:"inverse_name"`
	Hierarchical bool   `json:"hierarchical"`
}

// Reference is a directed edge between two extracted entities.
type Reference struct {
	Source    Vertex        `json:"source"`
	Target    Vertex        `json:"target"`
	Type      ReferenceType `json:"type"`
	IsForward bool          `json:"is_forward"`
}

// ReferenceKey is the value identity of a reference.
type ReferenceKey struct {
	Source    string
	Target    string
	Type      string
	IsForward bool
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

// String joins the fields with "|". Backslashes and separators inside the
// ids are escaped so distinct keys never render the same.
func (k ReferenceKey) String() string {
	dir := "f"
	if !k.IsForward {
		dir = "i"
	}
	return fmt.Sprintf("%s|%s|%s|%s", keyEscaper.Replace(k.Source), keyEscaper.Replace(k.Target), keyEscaper.Replace(k.Type), dir)
}

func (r *Reference) Key() ReferenceKey {
	return ReferenceKey{
		Source:    r.Source.ID,
		Target:    r.Target.ID,
		Type:      r.Type.ID,
		IsForward: r.IsForward,
	}
}

// Mirror returns the inverse edge: ends swapped and direction flipped.
func (r *Reference) Mirror() *Reference {
	return &Reference{
		Source:    r.Target,
		Target:    r.Source,
		Type:      r.Type,
		IsForward: !r.IsForward,
	}
}

// Name returns the display name matching the reference direction.
func (r *Reference) Name() string {
	if r.IsForward {
		return r.Type.ForwardName
	}
	if r.Type.InverseName != "" {
		return r.Type.InverseName
	}
	return r.Type.ForwardName
}

// ReferenceDescription is one raw result of a browse call.
type ReferenceDescription struct {
	NodeID          string
	BrowseName      string
	DisplayName     string
	NodeClass       NodeClass
	ReferenceTypeID string
	IsForward       bool
	TypeDefinition  string
}
