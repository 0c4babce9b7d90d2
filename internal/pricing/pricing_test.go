package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duaia/backend/internal/models"
	"github.com/duaia/backend/internal/pricing"
)

func TestDefault_KnownCosts(t *testing.T) {
	table := pricing.Default()

	p, ok := table.Lookup(models.OpGenerateMusic)
	require.True(t, ok)
	assert.Equal(t, int64(6), p.Cost)
	assert.Equal(t, models.UnitCredits, p.Unit)

	p, ok = table.Lookup(models.OpSplitStems)
	require.True(t, ok)
	assert.Equal(t, int64(50), p.Cost)

	p, ok = table.Lookup(models.OpGenerateLyrics)
	require.True(t, ok)
	assert.Zero(t, p.Cost)

	_, ok = table.Lookup("teleport")
	assert.False(t, ok)
}

func TestList_Sorted(t *testing.T) {
	ops := pricing.Default().List()
	require.Len(t, ops, 9)
	for i := 1; i < len(ops); i++ {
		assert.Less(t, string(ops[i-1].Kind), string(ops[i].Kind))
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costs.toml")
	content := `
[operations.generate-music]
cost = 9

[operations.premium-video]
cost = 3
unit = "coins"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	table, err := pricing.Load(path)
	require.NoError(t, err)

	p, _ := table.Lookup(models.OpGenerateMusic)
	assert.Equal(t, int64(9), p.Cost)
	assert.Equal(t, models.UnitCredits, p.Unit, "unit defaults to credits")

	p, ok := table.Lookup("premium-video")
	require.True(t, ok)
	assert.Equal(t, models.UnitCoins, p.Unit)

	p, _ = table.Lookup(models.OpSeparateVocals)
	assert.Equal(t, int64(5), p.Cost, "untouched defaults survive")
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad unit":      "[operations.x]\ncost = 1\nunit = \"gold\"\n",
		"negative cost": "[operations.x]\ncost = -1\n",
		"not toml":      "[operations.x\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "costs.toml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := pricing.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	table, err := pricing.Load("")
	require.NoError(t, err)
	_, ok := table.Lookup(models.OpGenerateImage)
	assert.True(t, ok)
}
