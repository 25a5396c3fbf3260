package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/CanvasShare/internal/domain"
)

func TestCanvasFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	state := domain.CanvasState{
		Blocks: []domain.Block{
			domain.NewTextBlock("a", 0, 0, 100, 40, "hello"),
			domain.NewTextBlock("b", 200, 0, 100, 40, "world"),
		},
		Connections: []domain.Connection{{ID: "c1", From: "a", To: "b"}},
		Zoom:        1.5,
	}
	require.NoError(t, writeCanvas(path, state))

	got, err := readCanvas(path)
	require.NoError(t, err)
	assert.Equal(t, state, *got)
	require.NoError(t, got.Validate())
}

func TestReadCanvasRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := readCanvas(path)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = readCanvas(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
