package annotation

import (
	"encoding/json"
	"fmt"
	"os"
)

const MetaFileName = "meta.json"

// ShapeCuboid is the 2D cuboid geometry; image projects cannot carry it
// anymore, so restore strips such classes from meta and annotations.
const ShapeCuboid = "cuboid"

// ObjClass is one entry of a project meta's class list. Unrecognized fields
// ride along in Raw so a rewrite does not lose them.
type ObjClass struct {
	Title string `json:"title"`
	Shape string `json:"shape"`

	Raw json.RawMessage `json:"-"`
}

type TagMeta struct {
	Name string `json:"name"`

	Raw json.RawMessage `json:"-"`
}

// ProjectMeta is the parsed meta.json of a project.
type ProjectMeta struct {
	Classes  []ObjClass
	TagMetas []TagMeta
}

func (c *ObjClass) UnmarshalJSON(data []byte) error {
	type alias struct {
		Title string `json:"title"`
		Shape string `json:"shape"`
	}

	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	c.Title = a.Title
	c.Shape = a.Shape
	c.Raw = append(json.RawMessage(nil), data...)

	return nil
}

func (c ObjClass) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}

	return json.Marshal(map[string]string{"title": c.Title, "shape": c.Shape})
}

func (t *TagMeta) UnmarshalJSON(data []byte) error {
	type alias struct {
		Name string `json:"name"`
	}

	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	t.Name = a.Name
	t.Raw = append(json.RawMessage(nil), data...)

	return nil
}

func (t TagMeta) MarshalJSON() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}

	return json.Marshal(map[string]string{"name": t.Name})
}

func (m *ProjectMeta) UnmarshalJSON(data []byte) error {
	type alias struct {
		Classes  []ObjClass `json:"classes"`
		TagMetas []TagMeta  `json:"tags"`
	}

	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	m.Classes = a.Classes
	m.TagMetas = a.TagMetas

	return nil
}

func (m ProjectMeta) MarshalJSON() ([]byte, error) {
	classes := m.Classes
	if classes == nil {
		classes = []ObjClass{}
	}

	tags := m.TagMetas
	if tags == nil {
		tags = []TagMeta{}
	}

	return json.Marshal(map[string]interface{}{
		"classes": classes,
		"tags":    tags,
	})
}

// HasClass reports whether the meta defines a class with this title.
func (m *ProjectMeta) HasClass(title string) bool {
	for _, c := range m.Classes {
		if c.Title == title {
			return true
		}
	}

	return false
}

// HasTagMeta reports whether the meta defines a tag with this name.
func (m *ProjectMeta) HasTagMeta(name string) bool {
	for _, t := range m.TagMetas {
		if t.Name == name {
			return true
		}
	}

	return false
}

// WithoutClasses returns a copy of the meta with the named classes removed.
func (m *ProjectMeta) WithoutClasses(titles []string) *ProjectMeta {
	drop := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		drop[t] = struct{}{}
	}

	out := &ProjectMeta{TagMetas: m.TagMetas}

	for _, c := range m.Classes {
		if _, ok := drop[c.Title]; !ok {
			out.Classes = append(out.Classes, c)
		}
	}

	return out
}

// LoadMeta reads a project's meta.json.
func LoadMeta(path string) (*ProjectMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project meta: %w", err)
	}

	var meta ProjectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse project meta: %w", err)
	}

	return &meta, nil
}

// SaveMeta writes a project's meta.json.
func SaveMeta(path string, meta *ProjectMeta) error {
	data, err := json.MarshalIndent(meta, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode project meta: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write project meta: %w", err)
	}

	return nil
}
