package templates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, file, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644))
}

func TestStore_BuiltinOnly(t *testing.T) {
	s, err := NewStore("", "")
	require.NoError(t, err)
	assert.Equal(t, []string{BuiltinName}, s.Names())
	assert.Equal(t, BuiltinName, s.DefaultName())

	out, err := s.Render("", Data{})
	require.NoError(t, err)
	assert.Contains(t, out, "real-time avatar")
	assert.NotContains(t, out, "search results")
}

func TestStore_BuiltinWithSearch(t *testing.T) {
	s, err := NewStore("", "")
	require.NoError(t, err)

	out, err := s.Render(BuiltinName, Data{Search: []handlers.SearchResult{
		{Title: "Forecast", URL: "https://weather.example", Snippet: "Sunny, 31C"},
	}})
	require.NoError(t, err)
	assert.Contains(t, out, "[1] Forecast: Sunny, 31C (https://weather.example)")
}

func TestStore_LoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "tutor.tmpl", "You tutor {{.Identity}}.")
	writeTemplate(t, dir, "notes.json", "{}")
	writeTemplate(t, dir, ".hidden.tmpl", "hidden")
	writeTemplate(t, dir, "broken.tmpl", "{{.Identity")

	s, err := NewStore(dir, "tutor")
	require.NoError(t, err)
	assert.Equal(t, []string{BuiltinName, "tutor"}, s.Names())
	assert.Equal(t, "tutor", s.DefaultName())

	out, err := s.Render("", Data{Identity: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "You tutor alice.", out)

	_, err = s.Render("missing", Data{})
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestStore_MissingDefaultFallsBack(t *testing.T) {
	s, err := NewStore(t.TempDir(), "nope")
	require.NoError(t, err)
	assert.Equal(t, BuiltinName, s.DefaultName())
}

func TestStore_ReloadKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "tutor.tmpl", "v1")
	s, err := NewStore(dir, "")
	require.NoError(t, err)

	writeTemplate(t, dir, "tutor.tmpl", "{{ broken")
	require.NoError(t, s.Reload())

	out, err := s.Render("tutor", Data{})
	require.NoError(t, err)
	assert.Equal(t, "v1", out)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "tutor.tmpl", "v1")
	s, err := NewStore(dir, "")
	require.NoError(t, err)

	reloaded := make(chan struct{}, 4)
	w, err := NewWatcher(s, 20*time.Millisecond, func() { reloaded <- struct{}{} })
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeTemplate(t, dir, "tutor.tmpl", "v2")
	writeTemplate(t, dir, "guide.md", "guide")

	assert.Eventually(t, func() bool {
		out, err := s.Render("tutor", Data{})
		return err == nil && out == "v2" && s.Has("guide")
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestNewWatcher_RequiresDir(t *testing.T) {
	s, err := NewStore("", "")
	require.NoError(t, err)
	_, err = NewWatcher(s, 0, nil)
	assert.Error(t, err)
}
