package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() Catalog {
	return Catalog{Assets: map[string]map[string]string{
		"checkpoints": {
			"sd_xl_base_1.0.safetensors": "https://drive.google.com/file/d/abc123XYZ/view",
		},
		"loras": {
			"detail_tweaker.safetensors": "https://drive.google.com/open?id=lora456",
		},
		"text_encoders": {
			"t5xxl_fp16.safetensors": "https://drive.google.com/file/d/clip789/view",
		},
	}}
}

func TestResolveEmptyGraph(t *testing.T) {
	g := Graph{
		"1": {ClassType: "KSampler", Inputs: map[string]any{"steps": 20.0}},
		"2": {ClassType: "SaveImage", Inputs: map[string]any{"images": []any{"1", 0.0}}},
	}

	res := Resolve(g, testCatalog())
	assert.True(t, res.Empty())
	assert.Empty(t, res.Required)
	assert.Empty(t, res.Unresolved)
}

func TestResolveSplitsByCatalog(t *testing.T) {
	g := Graph{
		"1": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"}},
		"2": {ClassType: "LoraLoader", Inputs: map[string]any{"lora_name": "unknown_style.safetensors"}},
	}

	res := Resolve(g, testCatalog())
	require.Len(t, res.Required, 1)
	assert.Equal(t, CategoryCheckpoint, res.Required[0].Category)
	assert.Equal(t, "https://drive.google.com/file/d/abc123XYZ/view", res.Required[0].SourceRef)

	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, "unknown_style.safetensors", res.Unresolved[0].Filename)
	assert.Empty(t, res.Unresolved[0].SourceRef)
}

func TestResolveDeduplicates(t *testing.T) {
	g := Graph{
		"1": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"}},
		"2": {ClassType: "CheckpointLoader", Inputs: map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"}},
	}

	res := Resolve(g, testCatalog())
	assert.Len(t, res.Required, 1)
}

func TestResolveDualCLIPLoader(t *testing.T) {
	g := Graph{
		"1": {ClassType: "DualCLIPLoader", Inputs: map[string]any{
			"clip_name1": "t5xxl_fp16.safetensors",
			"clip_name2": "clip_l.safetensors",
		}},
	}

	res := Resolve(g, testCatalog())
	require.Len(t, res.Required, 1)
	assert.Equal(t, "t5xxl_fp16.safetensors", res.Required[0].Filename)
	assert.Equal(t, CategoryCLIP, res.Required[0].Category)

	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, "clip_l.safetensors", res.Unresolved[0].Filename)
}

func TestResolveIgnoresEdgeReferences(t *testing.T) {
	// A loader input wired to another node's output is a [nodeID, index]
	// pair, not a filename.
	g := Graph{
		"1": {ClassType: "LoraLoader", Inputs: map[string]any{"lora_name": []any{"3", 0.0}}},
	}

	res := Resolve(g, testCatalog())
	assert.True(t, res.Empty())
}

func TestResolveDeterministicOrder(t *testing.T) {
	g := Graph{
		"9": {ClassType: "VAELoader", Inputs: map[string]any{"vae_name": "b.safetensors"}},
		"2": {ClassType: "VAELoader", Inputs: map[string]any{"vae_name": "a.safetensors"}},
		"5": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "c.safetensors"}},
	}

	res := Resolve(g, Catalog{})
	require.Len(t, res.Unresolved, 3)
	assert.Equal(t, "c.safetensors", res.Unresolved[0].Filename) // checkpoint < vae
	assert.Equal(t, "a.safetensors", res.Unresolved[1].Filename)
	assert.Equal(t, "b.safetensors", res.Unresolved[2].Filename)
}
