package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"

	_ "image/jpeg"
	_ "image/png"
)

var (
	ErrMissingSize     = errors.New("image size is not found in annotation")
	ErrUnknownClass    = errors.New("annotation references unknown class")
	ErrInvalidGeometry = errors.New("object has no geometry")
)

// Size is an annotation's image size.
type Size struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// Object is one labeled object. Geometry stays raw; the worker only needs
// the class title and a structural sanity check.
type Object struct {
	ClassTitle string `json:"classTitle"`

	Raw json.RawMessage `json:"-"`
}

// Tag is one image-level tag.
type Tag struct {
	Name string `json:"name"`

	Raw json.RawMessage `json:"-"`
}

// Annotation is the project-format annotation of one image.
type Annotation struct {
	Description string   `json:"description"`
	Size        Size     `json:"size"`
	Objects     []Object `json:"objects"`
	Tags        []Tag    `json:"tags"`
}

func (o *Object) UnmarshalJSON(data []byte) error {
	type alias struct {
		ClassTitle string          `json:"classTitle"`
		Points     json.RawMessage `json:"points"`
		Bitmap     json.RawMessage `json:"bitmap"`
		Exterior   json.RawMessage `json:"exterior"`
	}

	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	if a.ClassTitle == "" {
		return ErrUnknownClass
	}

	if len(a.Points) == 0 && len(a.Bitmap) == 0 && len(a.Exterior) == 0 {
		return fmt.Errorf("%w: class %q", ErrInvalidGeometry, a.ClassTitle)
	}

	o.ClassTitle = a.ClassTitle
	o.Raw = append(json.RawMessage(nil), data...)

	return nil
}

func (o Object) MarshalJSON() ([]byte, error) {
	return o.Raw, nil
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	type alias struct {
		Name string `json:"name"`
	}

	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	if a.Name == "" {
		return errors.New("tag has no name")
	}

	t.Name = a.Name
	t.Raw = append(json.RawMessage(nil), data...)

	return nil
}

func (t Tag) MarshalJSON() ([]byte, error) {
	return t.Raw, nil
}

func (a Annotation) MarshalJSON() ([]byte, error) {
	objects := a.Objects
	if objects == nil {
		objects = []Object{}
	}

	tags := a.Tags
	if tags == nil {
		tags = []Tag{}
	}

	return json.Marshal(map[string]interface{}{
		"description": a.Description,
		"size":        a.Size,
		"objects":     objects,
		"tags":        tags,
	})
}

// Load reads and strictly parses an annotation file. Both the annotation
// structure and every object must decode cleanly; callers fall back to
// Salvage when they do not.
func Load(path string) (*Annotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotation: %w", err)
	}

	var ann Annotation
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, fmt.Errorf("failed to parse annotation: %w", err)
	}

	if ann.Size.Height <= 0 || ann.Size.Width <= 0 {
		return nil, ErrMissingSize
	}

	return &ann, nil
}

// Save writes an annotation file.
func Save(path string, ann *Annotation) error {
	data, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("failed to encode annotation: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write annotation: %w", err)
	}

	return nil
}

// Empty builds an annotation with no labels, sized from the image file.
func Empty(imagePath string) (*Annotation, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", imagePath, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read image size of %s: %w", imagePath, err)
	}

	return &Annotation{
		Size: Size{Height: cfg.Height, Width: cfg.Width},
	}, nil
}
