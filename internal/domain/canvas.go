package domain

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
)

type BlockKind string

const (
	BlockText  BlockKind = "text"
	BlockImage BlockKind = "image"
	BlockVideo BlockKind = "video"
)

type Point struct {
	X float64 `json:"x" validate:"finite"`
	Y float64 `json:"y" validate:"finite"`
}

type TextContent struct {
	Content  string  `json:"content"`
	FontSize float64 `json:"fontSize,omitempty" validate:"finite,gte=0"`
	Color    string  `json:"color,omitempty"`
}

type ImageContent struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt,omitempty"`
	Alt    string `json:"alt,omitempty"`
}

type VideoContent struct {
	URL         string  `json:"url"`
	Prompt      string  `json:"prompt,omitempty"`
	DurationSec float64 `json:"durationSec,omitempty" validate:"finite,gte=0"`
}

// Block is a placed canvas element. Kind selects which payload pointer is set;
// exactly one of Text, Image, Video is non-nil and it must match Kind.
type Block struct {
	ID     string    `json:"id" validate:"required,max=128"`
	Kind   BlockKind `json:"kind" validate:"required,oneof=text image video"`
	X      float64   `json:"x" validate:"finite"`
	Y      float64   `json:"y" validate:"finite"`
	Width  float64   `json:"width" validate:"finite,gte=0"`
	Height float64   `json:"height" validate:"finite,gte=0"`

	Text  *TextContent  `json:"text,omitempty"`
	Image *ImageContent `json:"image,omitempty"`
	Video *VideoContent `json:"video,omitempty"`
}

type Connection struct {
	ID   string `json:"id" validate:"required,max=128"`
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

// CanvasState is the snapshot shared from host to viewers.
type CanvasState struct {
	Blocks      []Block      `json:"blocks" validate:"dive"`
	Connections []Connection `json:"connections" validate:"dive"`
	Zoom        float64      `json:"zoom" validate:"finite,gt=0"`
	Pan         Point        `json:"pan"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// JSON has no NaN or Inf
		if err := validate.RegisterValidation("finite", isFinite); err != nil {
			panic(err)
		}
	})
	return validate
}

func isFinite(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate checks the structure of the state. Errors wrap ErrInvalidInput.
func (s *CanvasState) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: canvas state is nil", ErrInvalidInput)
	}
	if err := structValidator().Struct(s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, describeValidation(err))
	}

	ids := make(map[string]struct{}, len(s.Blocks))
	for i := range s.Blocks {
		b := &s.Blocks[i]
		if _, dup := ids[b.ID]; dup {
			return fmt.Errorf("%w: duplicate block id %q", ErrInvalidInput, b.ID)
		}
		ids[b.ID] = struct{}{}
		if err := b.validatePayload(); err != nil {
			return err
		}
	}
	for _, c := range s.Connections {
		if _, ok := ids[c.From]; !ok {
			return fmt.Errorf("%w: connection %q references unknown block %q", ErrInvalidInput, c.ID, c.From)
		}
		if _, ok := ids[c.To]; !ok {
			return fmt.Errorf("%w: connection %q references unknown block %q", ErrInvalidInput, c.ID, c.To)
		}
	}
	return nil
}

func (b *Block) validatePayload() error {
	set := 0
	for _, present := range []bool{b.Text != nil, b.Image != nil, b.Video != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: block %q must carry exactly one payload, has %d", ErrInvalidInput, b.ID, set)
	}
	var ok bool
	switch b.Kind {
	case BlockText:
		ok = b.Text != nil
	case BlockImage:
		ok = b.Image != nil
	case BlockVideo:
		ok = b.Video != nil
	}
	if !ok {
		return fmt.Errorf("%w: block %q payload does not match kind %q", ErrInvalidInput, b.ID, b.Kind)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("field %s failed %q", fe.Namespace(), fe.Tag())
	}
	return err.Error()
}

// Clone returns a deep copy, so callers never alias manager-owned state.
func (s CanvasState) Clone() CanvasState {
	out := s
	if s.Blocks != nil {
		out.Blocks = make([]Block, len(s.Blocks))
		for i, b := range s.Blocks {
			out.Blocks[i] = b.clone()
		}
	}
	out.Connections = slices.Clone(s.Connections)
	return out
}

func (b Block) clone() Block {
	if b.Text != nil {
		t := *b.Text
		b.Text = &t
	}
	if b.Image != nil {
		im := *b.Image
		b.Image = &im
	}
	if b.Video != nil {
		v := *b.Video
		b.Video = &v
	}
	return b
}

// NewTextBlock is a small helper for hosts composing states in code.
func NewTextBlock(id string, x, y, w, h float64, content string) Block {
	return Block{ID: id, Kind: BlockText, X: x, Y: y, Width: w, Height: h, Text: &TextContent{Content: content}}
}

func NewImageBlock(id string, x, y, w, h float64, url, prompt string) Block {
	return Block{ID: id, Kind: BlockImage, X: x, Y: y, Width: w, Height: h, Image: &ImageContent{URL: url, Prompt: prompt}}
}
