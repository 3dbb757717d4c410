// Package checksum computes policy-scoped change hashes for extracted entities.
package checksum

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/ghalamif/aegisbridge/internal/domain"
)

// Policy selects which fields count as an update.
type Policy struct {
	Name        bool `yaml:"name"`
	Description bool `yaml:"description"`
	Context     bool `yaml:"context"`
	Metadata    bool `yaml:"metadata"`
	// NodeTypeMetadata adds the type definition to metadata. Only effective
	// together with Metadata.
	NodeTypeMetadata bool `yaml:"node_type_metadata"`
}

// Any reports whether the policy tracks at least one field.
func (p Policy) Any() bool {
	return p.Name || p.Description || p.Context || p.Metadata
}

// Checksum hashes the id and every field the policy includes. Properties are
// flattened and sorted so their order never matters.
func Checksum(e domain.Entity, p Policy) uint64 {
	n := e.Base()
	d := xxhash.New()
	write(d, "id", n.ID)
	if p.Name {
		write(d, "name", n.DisplayName)
	}
	if p.Description {
		write(d, "description", n.Description)
	}
	if p.Context {
		write(d, "parent", n.ParentID)
	}
	if p.Metadata {
		meta := n.Metadata(p.NodeTypeMetadata)
		if v, ok := e.(*domain.Variable); ok {
			meta["$dataType"] = v.DataType.ID
			if v.IsArrayElement() {
				meta["$index"] = strconv.Itoa(v.Index)
			}
		}
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write(d, k, meta[k])
		}
	}
	return d.Sum64()
}

// String renders a checksum the way it is persisted.
func String(sum uint64) string {
	return strconv.FormatUint(sum, 16)
}

// write appends key and value as netstrings ("<len>:<bytes>").
func write(d *xxhash.Digest, key, value string) {
	for _, s := range [2]string{key, value} {
		_, _ = d.WriteString(strconv.Itoa(len(s)))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(s)
	}
}
