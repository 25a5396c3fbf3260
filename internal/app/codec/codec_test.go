package codec

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/dkeye/CanvasShare/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func randomState(r *rand.Rand) domain.CanvasState {
	n := r.IntN(8)
	var s domain.CanvasState
	for i := range n {
		id := fmt.Sprintf("b%d", i)
		x, y := r.Float64()*2000-1000, r.Float64()*2000-1000
		w, h := r.Float64()*500, r.Float64()*500
		switch r.IntN(3) {
		case 0:
			b := domain.NewTextBlock(id, x, y, w, h, strings.Repeat("word ", r.IntN(40)))
			b.Text.FontSize = float64(r.IntN(48))
			s.Blocks = append(s.Blocks, b)
		case 1:
			s.Blocks = append(s.Blocks, domain.NewImageBlock(id, x, y, w, h, "https://cdn.example/"+id+".png", "prompt "+id))
		default:
			s.Blocks = append(s.Blocks, domain.Block{
				ID: id, Kind: domain.BlockVideo, X: x, Y: y, Width: w, Height: h,
				Video: &domain.VideoContent{URL: "https://cdn.example/" + id + ".mp4", DurationSec: r.Float64() * 60},
			})
		}
	}
	for i := 1; i < n; i++ {
		s.Connections = append(s.Connections, domain.Connection{
			ID: fmt.Sprintf("c%d", i), From: fmt.Sprintf("b%d", i-1), To: fmt.Sprintf("b%d", i),
		})
	}
	s.Zoom = 0.1 + r.Float64()*4
	s.Pan = domain.Point{X: r.NormFloat64() * 100, Y: r.NormFloat64() * 100}
	return s
}

func TestRoundTripFidelity(t *testing.T) {
	c := newTestCodec(t)
	r := rand.New(rand.NewPCG(7, 11))

	for i := range 200 {
		state := randomState(r)
		require.NoError(t, state.Validate())

		for _, compress := range []bool{false, true} {
			data, err := c.Encode(state, compress)
			require.NoError(t, err)
			got, err := c.Decode(data)
			require.NoError(t, err, "case %d compress=%v", i, compress)
			assert.Equal(t, state, got, "case %d compress=%v", i, compress)
		}

		data, err := c.EncodeDense(state)
		require.NoError(t, err)
		got, err := c.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, state, got)
	}
}

func TestCompressionShrinksNonTrivialStates(t *testing.T) {
	c := newTestCodec(t)
	state := domain.CanvasState{
		Blocks: []domain.Block{
			domain.NewTextBlock("b1", 10, 20, 300, 120,
				strings.Repeat("A watercolor fox sitting in a field of sunflowers. ", 8)),
			domain.NewImageBlock("b2", 400, 20, 512, 512, "https://cdn.example/fox.png", "watercolor fox, sunflowers"),
		},
		Connections: []domain.Connection{{ID: "c1", From: "b1", To: "b2"}},
		Zoom:        1,
	}

	raw, err := c.Encode(state, false)
	require.NoError(t, err)
	compressed, err := c.Encode(state, true)
	require.NoError(t, err)
	dense, err := c.EncodeDense(state)
	require.NoError(t, err)

	assert.Less(t, len(compressed), len(raw))
	assert.LessOrEqual(t, len(dense), len(raw))

	st := c.Stats()
	assert.Equal(t, uint64(3), st.Payloads)
	assert.Less(t, st.Ratio(), 1.0)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := newTestCodec(t)
	cases := map[string][]byte{
		"empty":          nil,
		"unknown format": []byte("Xabc"),
		"bad json":       []byte("J{not json"),
		"bad zstd":       []byte("Z\x00\x01\x02"),
		"invalid state":  []byte(`J{"blocks":[],"connections":[],"zoom":0,"pan":{"x":0,"y":0}}`),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(data)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestStatsRatioWithoutTraffic(t *testing.T) {
	assert.Equal(t, 1.0, Stats{}.Ratio())
}
