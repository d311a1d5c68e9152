package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const cleaningTemplate = `
id: chemical-spill
version: 1.0.0
title: Chemical Spill
severity: high
category: safety
steps:
  - step_number: 1
    title: Evacuate the area
    action_items:
      - {id: evacuate, label: Clear the area, required: true}
  - step_number: 2
    title: Check food and inventory exposure
  - step_number: 3
    title: Count inventory for insurance
    triggers_disposition_workflow: false
`

func newLibrary(t *testing.T) *TemplateLibrary {
	t.Helper()
	lib, err := NewTemplateLibrary(zap.NewNop().Sugar())
	require.NoError(t, err)
	return lib
}

func TestTemplateLibrary_ParseYAML(t *testing.T) {
	lib := newLibrary(t)

	tpl, err := lib.Parse([]byte(cleaningTemplate))
	require.NoError(t, err)
	assert.Equal(t, "chemical-spill", tpl.ID)
	assert.Equal(t, 3, tpl.TotalSteps())
	assert.True(t, tpl.Steps[0].ActionItems[0].Required)

	assert.False(t, tpl.Steps[0].TriggersDisposition)
	assert.True(t, tpl.Steps[1].TriggersDisposition, "heuristic applies when the flag is absent")
	assert.False(t, tpl.Steps[2].TriggersDisposition, "explicit flag wins over the heuristic")
}

func TestTemplateLibrary_SchemaRejects(t *testing.T) {
	lib := newLibrary(t)

	tests := []struct {
		name string
		doc  string
	}{
		{"missing steps", `{"id": "x", "version": "1.0.0", "title": "X"}`},
		{"empty steps", `{"id": "x", "version": "1.0.0", "title": "X", "steps": []}`},
		{"unknown field", `{"id": "x", "version": "1.0.0", "title": "X", "steps": [{"step_number": 1, "title": "A", "photo": true}]}`},
		{"bad severity", `{"id": "x", "version": "1.0.0", "title": "X", "severity": "urgent", "steps": [{"step_number": 1, "title": "A"}]}`},
		{"escalation without contact", `{"id": "x", "version": "1.0.0", "title": "X", "steps": [{"step_number": 1, "title": "A", "escalation_minutes": 5}]}`},
		{"bad version", `{"id": "x", "version": "soon", "title": "X", "steps": [{"step_number": 1, "title": "A"}]}`},
		{"gap in numbering", `{"id": "x", "version": "1.0.0", "title": "X", "steps": [{"step_number": 1, "title": "A"}, {"step_number": 3, "title": "B"}]}`},
		{"duplicate items", `{"id": "x", "version": "1.0.0", "title": "X", "steps": [{"step_number": 1, "title": "A", "action_items": [{"id": "a", "label": "A"}, {"id": "a", "label": "B"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lib.Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestTemplateLibrary_KeepsHighestVersion(t *testing.T) {
	lib := newLibrary(t)

	v2, err := lib.Parse([]byte(`{"id": "x", "version": "1.10.0", "title": "Newer", "steps": [{"step_number": 1, "title": "A"}]}`))
	require.NoError(t, err)
	v1, err := lib.Parse([]byte(`{"id": "x", "version": "1.9.0", "title": "Older", "steps": [{"step_number": 1, "title": "A"}]}`))
	require.NoError(t, err)

	require.NoError(t, lib.Register(v2, "a"))
	require.NoError(t, lib.Register(v1, "b"))

	got, err := lib.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", got.Version)
	assert.Equal(t, "Newer", got.Title)
	assert.Equal(t, 1, lib.Count())

	_, err = lib.Get("missing")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestTemplateLibrary_GetReturnsCopy(t *testing.T) {
	lib := newLibrary(t)
	tpl, err := lib.Parse([]byte(cleaningTemplate))
	require.NoError(t, err)
	require.NoError(t, lib.Register(tpl, "inline"))

	got, err := lib.Get("chemical-spill")
	require.NoError(t, err)
	got.Steps[0].Title = "edited"

	again, err := lib.Get("chemical-spill")
	require.NoError(t, err)
	assert.Equal(t, "Evacuate the area", again.Steps[0].Title)
}

func TestTemplateLibrary_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spill.yaml"), []byte(cleaningTemplate), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a template"), 0o644))

	lib := newLibrary(t)
	n, err := lib.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, lib.List(), 1)
}

func TestTemplateLibrary_LoadsShippedTemplates(t *testing.T) {
	lib := newLibrary(t)
	n, err := lib.LoadDir(filepath.Join("..", "..", "templates"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	outage, err := lib.Get("power-outage")
	require.NoError(t, err)
	assert.True(t, outage.Steps[2].TriggersDisposition)
	assert.False(t, outage.Steps[1].TriggersDisposition)

	cooler, err := lib.Get("walk-in-cooler-failure")
	require.NoError(t, err)
	assert.True(t, cooler.Steps[1].TriggersDisposition)
}
