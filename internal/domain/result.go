package domain

// NodeSourceResult is the output of a browse pass. The Known* lists hold
// entities discovered by an earlier partial pass that still count as observed.
type NodeSourceResult struct {
	Objects    []*Node
	Variables  []*Variable
	References []*Reference

	KnownObjects    []*Node
	KnownVariables  []*Variable
	KnownReferences []*Reference

	// ArrayChildren maps an array parent id to its ordered child ids.
	ArrayChildren map[string][]string

	IsFullResult bool
}

// ObservedObjectIDs returns the ids of new and known objects.
func (r *NodeSourceResult) ObservedObjectIDs() []string {
	out := make([]string, 0, len(r.Objects)+len(r.KnownObjects))
	for _, n := range r.Objects {
		out = append(out, n.ID)
	}
	for _, n := range r.KnownObjects {
		out = append(out, n.ID)
	}
	return out
}

// ObservedVariableIDs returns the ids of new and known variables.
func (r *NodeSourceResult) ObservedVariableIDs() []string {
	out := make([]string, 0, len(r.Variables)+len(r.KnownVariables))
	for _, v := range r.Variables {
		out = append(out, v.ID)
	}
	for _, v := range r.KnownVariables {
		out = append(out, v.ID)
	}
	return out
}

// ObservedReferenceKeys returns the string keys of new and known references.
func (r *NodeSourceResult) ObservedReferenceKeys() []string {
	out := make([]string, 0, len(r.References)+len(r.KnownReferences))
	for _, ref := range r.References {
		out = append(out, ref.Key().String())
	}
	for _, ref := range r.KnownReferences {
		out = append(out, ref.Key().String())
	}
	return out
}

// DeleteResult lists ids that disappeared since the last full traversal.
type DeleteResult struct {
	Objects    []string `json:"objects"`
	Variables  []string `json:"variables"`
	References []string `json:"references"`
}

func (d DeleteResult) Empty() bool {
	return len(d.Objects) == 0 && len(d.Variables) == 0 && len(d.References) == 0
}
