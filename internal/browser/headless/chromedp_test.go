package headless

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

func TestLaunchRejectsUnsupportedEngines(t *testing.T) {
	t.Parallel()

	for _, kind := range []solver.EngineKind{solver.EngineFirefox, solver.EngineWebKit} {
		_, err := NewLauncher(Config{Kind: kind}, nil).Launch(context.Background())
		require.ErrorIs(t, err, solver.ErrEngineUnsupported)
	}
}

func TestNewLauncherDefaultsToChromium(t *testing.T) {
	t.Parallel()
	require.Equal(t, solver.EngineChromium, NewLauncher(Config{}, nil).cfg.Kind)
}

func TestParseSwitch(t *testing.T) {
	t.Parallel()

	name, value, ok := parseSwitch("--window-size=800,600")
	require.True(t, ok)
	require.Equal(t, "window-size", name)
	require.Equal(t, "800,600", value)

	name, value, ok = parseSwitch("--no-sandbox")
	require.True(t, ok)
	require.Equal(t, "no-sandbox", name)
	require.Equal(t, true, value)

	_, _, ok = parseSwitch("  --  ")
	require.False(t, ok)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := allocatorOptions(Config{Headless: true})
	full := allocatorOptions(Config{
		Headless:  true,
		UserAgent: "Mozilla/5.0",
		ExecPath:  "/usr/bin/chromium",
		Args:      []string{"--lang=en-US", "", "--no-first-run"},
	})
	require.Len(t, full, len(base)+4)
}

func TestWidthScriptEscapesInput(t *testing.T) {
	t.Parallel()

	script, err := widthScript(`div[data-x="a"]`, "70px")
	require.NoError(t, err)
	require.Contains(t, script, `document.querySelector("div[data-x=\"a\"]")`)
	require.Contains(t, script, `el.style.width = "70px"`)
}

func TestSameURL(t *testing.T) {
	t.Parallel()
	require.True(t, sameURL("https://example.com/", "https://example.com"))
	require.True(t, sameURL("https://example.com/a/", "https://example.com/a/"))
	require.False(t, sameURL("https://example.com/a", "https://example.com/b"))
}
