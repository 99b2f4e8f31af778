package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

const sampleYAML = `
version: "1"
name: documents
rules:
  - name: titles
    fields: ["*.title", "title"]
    strategy: last_write
  - name: bodies
    fields: ["doc.**"]
    strategy: auto
    threshold: 0.6
  - name: disabled
    enabled: false
    fields: ["*"]
    strategy: manual
`

func TestParse_YAML(t *testing.T) {
	set, err := Parse([]byte(sampleYAML), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "1", set.Version)
	assert.Len(t, set.Rules(), 2)

	tests := []struct {
		field    string
		rule     string
		strategy resolve.Strategy
		ok       bool
	}{
		{"title", "titles", resolve.StrategyLastWrite, true},
		{"page.title", "titles", resolve.StrategyLastWrite, true},
		{"page.section.title", "", "", false},
		{"doc.section.body", "bodies", resolve.StrategyAuto, true},
		{"tags", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			sel, ok := set.Select(tt.field)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.rule, sel.Rule)
			assert.Equal(t, tt.strategy, sel.Strategy)
		})
	}

	sel, _ := set.Select("doc.body")
	assert.Equal(t, 0.6, sel.Threshold)
}

func TestParse_JSON(t *testing.T) {
	doc := `{"version": "2", "rules": [{"name": "counts", "fields": ["stats.*"], "strategy": "number"}]}`
	set, err := Parse([]byte(doc), "json")
	require.NoError(t, err)
	sel, ok := set.Select("stats.views")
	require.True(t, ok)
	assert.Equal(t, resolve.Strategy("number"), sel.Strategy)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown strategy": `{"rules": [{"name": "a", "fields": ["x"], "strategy": "coin_flip"}]}`,
		"missing fields":   `{"rules": [{"name": "a", "strategy": "auto"}]}`,
		"threshold range":  `{"rules": [{"name": "a", "fields": ["x"], "strategy": "auto", "threshold": 2}]}`,
		"unknown key":      `{"rules": [{"name": "a", "fields": ["x"], "strategy": "auto", "colour": "red"}]}`,
		"duplicate names":  `{"rules": [{"name": "a", "fields": ["x"], "strategy": "auto"}, {"name": "a", "fields": ["y"], "strategy": "auto"}]}`,
		"not json":         `{"rules": [`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), "json")
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.KindInvalid), "got %v", err)
		})
	}

	_, err := Parse([]byte(sampleYAML), "toml")
	assert.True(t, errors.Is(err, errors.KindInvalid))
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, "json", FormatOf("rules.JSON"))
	assert.Equal(t, "yaml", FormatOf("rules.yml"))
	assert.Equal(t, "yaml", FormatOf("rules"))
}

func TestLoader_LoadAndSelect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	var reloaded int
	l := NewLoader(path, WithLogger(logging.Discard()), WithOnReload(func(*Set) { reloaded++ }))

	_, ok := l.Select("title")
	assert.False(t, ok, "nothing loaded yet")

	require.NoError(t, l.Load())
	sel, ok := l.Select("title")
	require.True(t, ok)
	assert.Equal(t, "titles", sel.Rule)
	assert.Equal(t, 1, reloaded)

	require.NoError(t, os.WriteFile(path, []byte("rules: [{name: x}]"), 0o644))
	assert.Error(t, l.Load())
	assert.Equal(t, "titles", mustSelect(t, l, "title").Rule, "previous set kept")
}

func TestLoader_MissingFile(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), WithLogger(logging.Discard()))
	err := l.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindNotFound))
}

func TestLoader_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	l := NewLoader(path, WithLogger(logging.Discard()))
	require.NoError(t, l.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := `
version: "2"
rules:
  - name: everything
    fields: ["**"]
    strategy: manual
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	assert.Eventually(t, func() bool {
		set := l.Current()
		return set != nil && set.Version == "2"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("rules: nope"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "2", l.Current().Version)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func mustSelect(t *testing.T, l *Loader, field string) resolve.Selection {
	t.Helper()
	sel, ok := l.Select(field)
	require.True(t, ok)
	return sel
}
