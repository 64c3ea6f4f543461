package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category classifies a model asset by the runtime directory it belongs in.
type Category string

const (
	CategoryCheckpoint Category = "checkpoint"
	CategoryLora       Category = "lora"
	CategoryControlNet Category = "controlnet"
	CategoryVAE        Category = "vae"
	CategoryUpscaler   Category = "upscaler"
	CategoryEmbedding  Category = "embedding"
	CategoryCLIP       Category = "clip"
	CategoryUNet       Category = "unet"
	CategoryOther      Category = "other"
)

// modelDirs maps a category to the runtime's standard models subdirectory.
var modelDirs = map[Category]string{
	CategoryCheckpoint: "checkpoints",
	CategoryLora:       "loras",
	CategoryControlNet: "controlnet",
	CategoryVAE:        "vae",
	CategoryUpscaler:   "upscale_models",
	CategoryEmbedding:  "embeddings",
	CategoryCLIP:       "clip",
	CategoryUNet:       "unet",
	CategoryOther:      "other",
}

// Dir returns the models subdirectory for the category.
func (c Category) Dir() string {
	if dir, ok := modelDirs[c]; ok {
		return dir
	}
	return string(CategoryOther)
}

// NormalizeCategory maps a storage folder name to a Category, accepting the
// alternate folder names some model stores use for the same asset class.
func NormalizeCategory(folder string) Category {
	switch strings.ToLower(strings.TrimSpace(folder)) {
	case "checkpoint", "checkpoints":
		return CategoryCheckpoint
	case "lora", "loras":
		return CategoryLora
	case "controlnet":
		return CategoryControlNet
	case "vae":
		return CategoryVAE
	case "upscaler", "upscale_models":
		return CategoryUpscaler
	case "embedding", "embeddings":
		return CategoryEmbedding
	case "clip", "text_encoders":
		return CategoryCLIP
	case "unet", "diffusion_models":
		return CategoryUNet
	default:
		return CategoryOther
	}
}

// Catalog maps known model assets to their remote-store references, keyed by
// category then filename. It is declarative caller input, typically a YAML
// file checked in next to the workflows.
type Catalog struct {
	Assets map[string]map[string]string `yaml:"assets"`
}

// LoadCatalog reads an asset catalog from a YAML file. A missing path yields
// an empty catalog: a workflow may rely entirely on assets baked into the
// runtime image.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return Catalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Catalog{}, nil
		}
		return Catalog{}, fmt.Errorf("read asset catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse asset catalog: %w", err)
	}
	return c, nil
}

// Lookup resolves a (category, filename) pair to its remote reference.
// Folder names in the catalog are normalized, so "text_encoders" entries
// resolve CLIP assets and "diffusion_models" entries resolve UNet assets.
func (c Catalog) Lookup(cat Category, filename string) (string, bool) {
	for folder, files := range c.Assets {
		if NormalizeCategory(folder) != cat {
			continue
		}
		if ref, ok := files[filename]; ok {
			return ref, true
		}
	}
	return "", false
}
