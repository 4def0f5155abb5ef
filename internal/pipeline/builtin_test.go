package pipeline

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ChuLiYu/mint-forge/internal/artifact"
	"github.com/ChuLiYu/mint-forge/internal/taskstore"
	"github.com/ChuLiYu/mint-forge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuiltin(t *testing.T) (*Builtin, *artifact.LedgerRegistrar) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := artifact.NewFilesystemStore(filepath.Join(dir, "blobs"), "https://cdn.test/")
	require.NoError(t, err)
	ledger, err := artifact.OpenLedger(filepath.Join(dir, "ledger.jsonl"))
	require.NoError(t, err)
	return &Builtin{
		Blobs:      blobs,
		Registrar:  ledger,
		Providers:  map[string]Synthesizer{SVGProviderName: SVGSynthesizer{Size: 256}},
		Seed:       "test-seed",
		Collection: "Forge",
	}, ledger
}

func TestDeriveAttributesIsDeterministic(t *testing.T) {
	b, _ := newBuiltin(t)
	ctx := context.Background()

	a1, err := b.DeriveAttributes(ctx, types.Task{SubjectID: "42"})
	require.NoError(t, err)
	a2, err := b.DeriveAttributes(ctx, types.Task{SubjectID: "42"})
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Contains(t, []string{"legendary", "epic", "rare", "common"}, a1.Rarity)
	assert.Contains(t, palettes, a1.Traits["palette"])

	other, err := b.DeriveAttributes(ctx, types.Task{SubjectID: "43"})
	require.NoError(t, err)
	assert.NotEqual(t, a1.Seed, other.Seed)
}

func TestDeriveAttributesPaletteOverride(t *testing.T) {
	b, _ := newBuiltin(t)
	ctx := context.Background()

	attrs, err := b.DeriveAttributes(ctx, types.Task{SubjectID: "1", Options: map[string]interface{}{"palette": "neon"}})
	require.NoError(t, err)
	assert.Equal(t, "neon", attrs.Traits["palette"])

	_, err = b.DeriveAttributes(ctx, types.Task{SubjectID: "1", Options: map[string]interface{}{"palette": "plaid"}})
	assert.Error(t, err)
}

func TestRarityDistribution(t *testing.T) {
	b, _ := newBuiltin(t)
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		attrs, err := b.DeriveAttributes(context.Background(), types.Task{SubjectID: strconv.Itoa(i)})
		require.NoError(t, err)
		counts[attrs.Rarity]++
	}
	assert.Greater(t, counts["common"], counts["rare"])
	assert.Greater(t, counts["rare"], counts["epic"])
	assert.Greater(t, counts["epic"], counts["legendary"])
}

func TestBuiltinEndToEnd(t *testing.T) {
	ctx := context.Background()
	b, ledger := newBuiltin(t)
	store := taskstore.NewMemoryStore(taskstore.Options{})
	p := New(b, store, nil, nil)

	id, err := store.CreateTask(ctx, "42", SVGProviderName, nil)
	require.NoError(t, err)
	task, _ := store.GetTask(ctx, id)

	done, err := p.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)

	imageURL, _ := done.Result["imageUrl"].(string)
	metadataURL, _ := done.Result["metadataUrl"].(string)
	assert.True(t, strings.HasPrefix(imageURL, "https://cdn.test/"))
	assert.True(t, strings.HasSuffix(imageURL, ".svg"))
	assert.True(t, strings.HasSuffix(metadataURL, ".json"))

	c, err := ledger.Lookup("42")
	require.NoError(t, err)
	assert.Equal(t, metadataURL, c.Locator)
}

func TestBuiltinUnknownProviderFailsTask(t *testing.T) {
	ctx := context.Background()
	b, _ := newBuiltin(t)
	store := taskstore.NewMemoryStore(taskstore.Options{})
	p := New(b, store, nil, nil)

	id, _ := store.CreateTask(ctx, "7", "dalle", nil)
	task, _ := store.GetTask(ctx, id)

	_, err := p.Run(ctx, task)
	require.Error(t, err)
	got, _ := store.GetTask(ctx, id)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, `synthesis failed: unknown provider "dalle"`, got.Error)
}

func TestSVGSynthesizer(t *testing.T) {
	var reported []int
	asset, err := SVGSynthesizer{}.Synthesize(context.Background(), "<9>",
		Attributes{Rarity: "epic", Traits: map[string]string{"palette": "tide", "shape": "hexagon", "pattern": "grid", "count": "3"}},
		nil, func(p int, _ string) { reported = append(reported, p) })
	require.NoError(t, err)

	svg := string(asset.Data)
	assert.Equal(t, "image/svg+xml", asset.ContentType)
	assert.True(t, strings.HasPrefix(svg, "<svg"))
	assert.Equal(t, 3, strings.Count(svg, "<polygon"))
	assert.Contains(t, svg, "#&lt;9&gt;")
	assert.Equal(t, []int{50}, reported)

	_, err = SVGSynthesizer{}.Synthesize(context.Background(), "1", Attributes{Traits: map[string]string{"palette": "unknown"}}, nil, func(int, string) {})
	assert.Error(t, err)
}
