package workflow

import "sort"

// AssetRequirement is one model asset a workflow graph needs at run time.
// SourceRef is empty when the catalog has no reference for the asset.
type AssetRequirement struct {
	Category  Category `json:"category"`
	Filename  string   `json:"filename"`
	SourceRef string   `json:"sourceRef,omitempty"`
}

// loaderRule declares which input fields of a loader node class name model
// files, and what category those files belong to.
type loaderRule struct {
	category Category
	fields   []string
}

// loaderRules is the fixed node-class table for the runtime's built-in model
// loaders. Classes absent from this table load nothing from disk.
var loaderRules = map[string]loaderRule{
	"CheckpointLoaderSimple": {CategoryCheckpoint, []string{"ckpt_name"}},
	"CheckpointLoader":       {CategoryCheckpoint, []string{"ckpt_name"}},
	"LoraLoader":             {CategoryLora, []string{"lora_name"}},
	"LoraLoaderModelOnly":    {CategoryLora, []string{"lora_name"}},
	"VAELoader":              {CategoryVAE, []string{"vae_name"}},
	"ControlNetLoader":       {CategoryControlNet, []string{"control_net_name"}},
	"UpscaleModelLoader":     {CategoryUpscaler, []string{"model_name"}},
	"CLIPLoader":             {CategoryCLIP, []string{"clip_name"}},
	"UNETLoader":             {CategoryUNet, []string{"unet_name"}},
	"DualCLIPLoader":         {CategoryCLIP, []string{"clip_name1", "clip_name2"}},
}

// Resolution is the outcome of walking a graph against a catalog. Unresolved
// assets are a warning, not a failure: the runtime image may carry them
// pre-baked.
type Resolution struct {
	Required   []AssetRequirement
	Unresolved []AssetRequirement
}

// Empty reports whether the graph referenced no model assets at all.
func (r Resolution) Empty() bool {
	return len(r.Required) == 0 && len(r.Unresolved) == 0
}

// Resolve walks every node of the graph, extracts declared model references
// per the loader table, deduplicates by (category, filename), and splits the
// result by whether the catalog knows a source for the asset. A graph with no
// model references resolves to an empty, valid result.
func Resolve(g Graph, catalog Catalog) Resolution {
	type key struct {
		cat  Category
		name string
	}
	seen := make(map[key]bool)

	var res Resolution
	for _, node := range g {
		rule, ok := loaderRules[node.ClassType]
		if !ok {
			continue
		}
		for _, field := range rule.fields {
			filename, ok := node.InputString(field)
			if !ok {
				continue
			}
			k := key{rule.category, filename}
			if seen[k] {
				continue
			}
			seen[k] = true

			req := AssetRequirement{Category: rule.category, Filename: filename}
			if ref, found := catalog.Lookup(rule.category, filename); found {
				req.SourceRef = ref
				res.Required = append(res.Required, req)
			} else {
				res.Unresolved = append(res.Unresolved, req)
			}
		}
	}

	sortRequirements(res.Required)
	sortRequirements(res.Unresolved)
	return res
}

func sortRequirements(reqs []AssetRequirement) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Category != reqs[j].Category {
			return reqs[i].Category < reqs[j].Category
		}
		return reqs[i].Filename < reqs[j].Filename
	})
}
