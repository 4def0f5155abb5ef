package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ChuLiYu/mint-forge/internal/artifact"
	"github.com/ChuLiYu/mint-forge/pkg/types"
)

// Synthesizer renders an asset for one provider name.
type Synthesizer interface {
	Synthesize(ctx context.Context, subjectID string, attrs Attributes, options map[string]interface{}, report Reporter) (Asset, error)
}

// Builtin wires the reference collaborators into the five stages.
type Builtin struct {
	Blobs       artifact.BlobStore
	Registrar   artifact.Registrar
	Providers   map[string]Synthesizer
	Seed        string // mixed into attribute derivation
	Collection  string // metadata name prefix
	Description string
}

var _ Stages = (*Builtin)(nil)

// rarityTiers 以 SHA-256 第一個位元組（0-255）決定稀有度
var rarityTiers = []struct {
	name  string
	upper int
}{
	{"legendary", 5},
	{"epic", 25},
	{"rare", 77},
	{"common", 256},
}

var (
	palettes = []string{"ember", "tide", "moss", "dusk", "bone", "neon"}
	shapes   = []string{"circle", "diamond", "hexagon", "ring", "triangle"}
	patterns = []string{"solid", "stripes", "dots", "grid"}
)

// DeriveAttributes is deterministic in (Seed, subject). options["palette"]
// overrides the derived palette.
func (b *Builtin) DeriveAttributes(ctx context.Context, task types.Task) (Attributes, error) {
	sum := sha256.Sum256([]byte(b.Seed + ":" + task.SubjectID))

	rarity := rarityTiers[len(rarityTiers)-1].name
	for _, tier := range rarityTiers {
		if int(sum[0]) < tier.upper {
			rarity = tier.name
			break
		}
	}

	traits := map[string]string{
		"palette": palettes[int(sum[1])%len(palettes)],
		"shape":   shapes[int(sum[2])%len(shapes)],
		"pattern": patterns[int(sum[3])%len(patterns)],
		"count":   fmt.Sprintf("%d", 1+int(sum[4])%6),
	}
	if v, ok := task.Options["palette"]; ok {
		palette, isString := v.(string)
		if !isString || !contains(palettes, palette) {
			return Attributes{}, fmt.Errorf("invalid palette option %v", v)
		}
		traits["palette"] = palette
	}

	return Attributes{
		Rarity: rarity,
		Traits: traits,
		Seed:   hex.EncodeToString(sum[:8]),
	}, nil
}

func (b *Builtin) SynthesizeAsset(ctx context.Context, task types.Task, attrs Attributes, report Reporter) (Asset, error) {
	synth, ok := b.Providers[task.Provider]
	if !ok {
		return Asset{}, fmt.Errorf("unknown provider %q", task.Provider)
	}
	return synth.Synthesize(ctx, task.SubjectID, attrs, task.Options, report)
}

func (b *Builtin) UploadAsset(ctx context.Context, task types.Task, asset Asset, report Reporter) (string, error) {
	key, err := b.Blobs.PutObject(ctx, "", bytes.NewReader(asset.Data), artifact.PutOptions{
		ContentType: asset.ContentType,
		Extension:   asset.Extension,
	})
	if err != nil {
		return "", Transient(err)
	}
	report(75, "asset stored")
	return b.Blobs.URL(ctx, key)
}

type metadataTrait struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

type metadataDocument struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Image       string          `json:"image"`
	Attributes  []metadataTrait `json:"attributes"`
}

func (b *Builtin) UploadMetadata(ctx context.Context, task types.Task, attrs Attributes, assetURL string, report Reporter) (string, error) {
	doc := metadataDocument{
		Name:        fmt.Sprintf("%s #%s", b.collection(), task.SubjectID),
		Description: b.Description,
		Image:       assetURL,
		Attributes:  []metadataTrait{{TraitType: "rarity", Value: attrs.Rarity}},
	}
	names := make([]string, 0, len(attrs.Traits))
	for name := range attrs.Traits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Attributes = append(doc.Attributes, metadataTrait{TraitType: name, Value: attrs.Traits[name]})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	key, err := b.Blobs.PutObject(ctx, "", bytes.NewReader(data), artifact.PutOptions{
		ContentType: "application/json",
		Extension:   ".json",
	})
	if err != nil {
		return "", Transient(err)
	}
	report(88, "metadata stored")
	return b.Blobs.URL(ctx, key)
}

func (b *Builtin) Register(ctx context.Context, task types.Task, metadataURL string) (Registration, error) {
	c, err := b.Registrar.Write(ctx, task.SubjectID, metadataURL)
	if err != nil {
		return Registration{}, err
	}
	return Registration{
		Reference:  c.Digest,
		Locator:    c.Locator,
		RecordedAt: c.RecordedAt,
	}, nil
}

func (b *Builtin) collection() string {
	if b.Collection == "" {
		return "Mint"
	}
	return b.Collection
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
