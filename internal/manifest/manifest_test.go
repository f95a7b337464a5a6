package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseV1Manifest(t *testing.T) {
	body := `{"fsLayers":[{"blobSum":"sha256:aaa"},{"blobSum":"sha256:bbb"}]}`

	m, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, KindV1, m.Kind)
	require.Len(t, m.Layers(), 2)
	require.Equal(t, "sha256:aaa", m.Layers()[0].Digest)
	require.Empty(t, m.ChildManifests())
}

func TestParseV2Manifest(t *testing.T) {
	body := `{
		"config": {"digest":"sha256:config", "mediaType":"application/vnd.oci.image.config.v1+json", "size": 100},
		"layers": [{"digest":"sha256:layer1", "size": 200}, {"digest":"sha256:layer2", "size": 300}]
	}`

	m, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, KindV2, m.Kind)

	layers := m.Layers()
	require.Len(t, layers, 3)
	require.Equal(t, "sha256:config", layers[0].Digest)
	require.Equal(t, "sha256:layer1", layers[1].Digest)
	require.Equal(t, "sha256:layer2", layers[2].Digest)
	require.Empty(t, m.ChildManifests())
}

func TestParseV2Index(t *testing.T) {
	body := `{"manifests": [{"digest":"sha256:child1", "size": 400}, {"digest":"sha256:child2", "size": 500}]}`

	m, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, KindV2Index, m.Kind)
	require.Empty(t, m.Layers())

	children := m.ChildManifests()
	require.Len(t, children, 2)
	require.Equal(t, "sha256:child1", children[0].Digest)
}

func TestParseRejectsUnrecognizedSchema(t *testing.T) {
	_, err := Parse([]byte(`{"hello":"world"}`))
	require.Error(t, err)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	require.Error(t, err)
}

func TestParseRejectsV2ManifestMissingConfigDigest(t *testing.T) {
	body := `{"config": {}, "layers": [{"digest":"sha256:layer1"}]}`
	_, err := Parse([]byte(body))
	require.Error(t, err)
}

func TestParseRejectsEmptyIndex(t *testing.T) {
	_, err := Parse([]byte(`{"manifests": []}`))
	require.Error(t, err)
}
