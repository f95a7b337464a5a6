// Package manifest parses the OCI/Docker manifest schema variants: a
// V1 manifest listing fsLayers, a V2 manifest naming a config and an
// ordered layer list, and a V2 index (manifest list) naming child
// manifests by digest.
package manifest

import (
	"encoding/json"
	"fmt"
)

// Kind tags which schema variant a Manifest was parsed as.
type Kind string

const (
	KindV1      Kind = "v1"
	KindV2      Kind = "v2manifest"
	KindV2Index Kind = "v2index"
)

// Descriptor is a digest-addressed reference to a blob or child manifest.
type Descriptor struct {
	Digest    string `json:"digest"`
	MediaType string `json:"mediaType,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Manifest is the parsed result, tagged by Kind. Callers read the
// referenced digests through Layers and ChildManifests rather than the
// variant-specific representation.
type Manifest struct {
	Kind Kind

	fsLayers  []Descriptor
	config    Descriptor
	layers    []Descriptor
	manifests []Descriptor
}

// Layers returns every blob this manifest directly references,
// regardless of schema variant, for the caller's checkLayers pass.
// A V2Index returns none: its children are manifests, not blobs.
func (m *Manifest) Layers() []Descriptor {
	switch m.Kind {
	case KindV1:
		return m.fsLayers
	case KindV2:
		layers := make([]Descriptor, 0, len(m.layers)+1)
		layers = append(layers, m.config)
		layers = append(layers, m.layers...)
		return layers
	default:
		return nil
	}
}

// ChildManifests returns the digests a V2Index names; empty for every
// other Kind.
func (m *Manifest) ChildManifests() []Descriptor {
	if m.Kind == KindV2Index {
		return m.manifests
	}
	return nil
}

type v1wire struct {
	FSLayers []struct {
		BlobSum string `json:"blobSum"`
	} `json:"fsLayers"`
}

type v2wire struct {
	Config Descriptor   `json:"config"`
	Layers []Descriptor `json:"layers"`
}

type indexWire struct {
	Manifests []Descriptor `json:"manifests"`
}

// Parse sniffs which schema variant b encodes and decodes it
// accordingly. A document satisfying none of the three shapes is
// rejected.
func Parse(b []byte) (*Manifest, error) {
	var probe struct {
		FSLayers  json.RawMessage `json:"fsLayers"`
		Manifests json.RawMessage `json:"manifests"`
		Layers    json.RawMessage `json:"layers"`
		Config    json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, fmt.Errorf("manifest: invalid json: %w", err)
	}

	switch {
	case probe.Manifests != nil:
		var w indexWire
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("manifest: invalid index: %w", err)
		}
		if len(w.Manifests) == 0 {
			return nil, fmt.Errorf("manifest: index has no manifests")
		}
		return &Manifest{Kind: KindV2Index, manifests: w.Manifests}, nil

	case probe.Layers != nil && probe.Config != nil:
		var w v2wire
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("manifest: invalid v2 manifest: %w", err)
		}
		if w.Config.Digest == "" {
			return nil, fmt.Errorf("manifest: v2 manifest missing config digest")
		}
		return &Manifest{Kind: KindV2, config: w.Config, layers: w.Layers}, nil

	case probe.FSLayers != nil:
		var w v1wire
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("manifest: invalid v1 manifest: %w", err)
		}
		layers := make([]Descriptor, 0, len(w.FSLayers))
		for _, l := range w.FSLayers {
			layers = append(layers, Descriptor{Digest: l.BlobSum})
		}
		return &Manifest{Kind: KindV1, fsLayers: layers}, nil

	default:
		return nil, fmt.Errorf("manifest: unrecognized schema")
	}
}
