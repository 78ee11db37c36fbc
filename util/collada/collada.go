// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package collada holds the subset of the Collada 1.4 schema koru imports:
// triangulated geometry and the visual scene node hierarchy.
package collada

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Collada is the top-level Collada object
type Collada struct {
	Geometries   []Geometry    `xml:"library_geometries>geometry"`
	VisualScenes []VisualScene `xml:"library_visual_scenes>visual_scene"`
}

// Decode parses a Collada document.
func Decode(data []byte) (*Collada, error) {
	var c Collada
	if err := xml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("collada: %w", err)
	}
	return &c, nil
}

// Geometry finds a geometry by id, with or without the leading '#'.
func (c *Collada) Geometry(id string) (*Geometry, bool) {
	id = strings.TrimPrefix(id, "#")
	for i := range c.Geometries {
		if c.Geometries[i].ID == id {
			return &c.Geometries[i], true
		}
	}
	return nil, false
}

// Geometry represents Collada's geometry
type Geometry struct {
	Mesh Mesh   `xml:"mesh"`
	ID   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

// Mesh contains all the primitive data
type Mesh struct {
	Sources   []Source    `xml:"source"`
	Vertices  Vertices    `xml:"vertices"`
	Triangles []Triangles `xml:"triangles"`
}

// Source finds a source by id, with or without the leading '#'.
func (m *Mesh) Source(id string) (*Source, bool) {
	id = strings.TrimPrefix(id, "#")
	for i := range m.Sources {
		if m.Sources[i].ID == id {
			return &m.Sources[i], true
		}
	}
	return nil, false
}

// Source is a named float array with its accessor stride.
type Source struct {
	ID        string    `xml:"id,attr"`
	Floats    Floats    `xml:"float_array"`
	Technique Technique `xml:"technique_common"`
}

// Technique carries the accessing rules of a source.
type Technique struct {
	Accessor Accessor `xml:"accessor"`
}

// Accessor describes how floats group into elements.
type Accessor struct {
	Count  int `xml:"count,attr"`
	Stride int `xml:"stride,attr"`
}

// Element returns the n-th element of the source, stride floats wide.
func (s *Source) Element(n int) ([]float32, error) {
	stride := s.Technique.Accessor.Stride
	if stride == 0 {
		stride = 3
	}
	lo, hi := n*stride, (n+1)*stride
	if n < 0 || hi > len(s.Floats.Data) {
		return nil, fmt.Errorf("source %s: element %d out of range", s.ID, n)
	}
	return s.Floats.Data[lo:hi], nil
}

// Floats is the array of floats
type Floats struct {
	ID   string
	Data []float32
}

// UnmarshalXML unmarshals the array of floats
func (f *Floats) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "id" {
			f.ID = attr.Value
		}
	}
	var raw string
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	for _, r := range strings.Fields(raw) {
		num, err := strconv.ParseFloat(r, 32)
		if err != nil {
			return err
		}
		f.Data = append(f.Data, float32(num))
	}
	return nil
}

// Vertices maps the VERTEX semantic onto position sources.
type Vertices struct {
	ID     string  `xml:"id,attr"`
	Inputs []Input `xml:"input"`
}

// Triangles contain the list of triangles
type Triangles struct {
	Count    int
	Material string
	Inputs   []Input
	Index    []int
}

// Stride returns the number of indices per vertex.
func (t *Triangles) Stride() int {
	stride := 0
	for _, in := range t.Inputs {
		if int(in.Offset)+1 > stride {
			stride = int(in.Offset) + 1
		}
	}
	return stride
}

// Input finds the input with the given semantic.
func (t *Triangles) Input(semantic string) (Input, bool) {
	for _, in := range t.Inputs {
		if in.Semantic == semantic {
			return in, true
		}
	}
	return Input{}, false
}

// UnmarshalXML parses the index list
func (t *Triangles) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "count":
			num, err := strconv.Atoi(attr.Value)
			if err != nil {
				return err
			}
			t.Count = num
		case "material":
			t.Material = attr.Value
		}
	}

	for {
		token, err := d.Token()
		if err != nil {
			return err
		}

		switch el := token.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "input":
				var input Input
				if err := d.DecodeElement(&input, &el); err != nil {
					return err
				}
				t.Inputs = append(t.Inputs, input)
			case "p":
				var raw string
				if err := d.DecodeElement(&raw, &el); err != nil {
					return err
				}
				fields := strings.Fields(raw)
				t.Index = make([]int, 0, len(fields))
				for _, r := range fields {
					num, err := strconv.Atoi(r)
					if err != nil {
						return err
					}
					t.Index = append(t.Index, num)
				}
			default:
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if el == start.End() {
				return nil
			}
		}
	}
}

// Input is Collada'a input type
type Input struct {
	Semantic string `xml:"semantic,attr"`
	Source   string `xml:"source,attr"`
	Offset   uint   `xml:"offset,attr"`
}

// VisualScene is the root of a node hierarchy.
type VisualScene struct {
	ID    string `xml:"id,attr"`
	Nodes []Node `xml:"node"`
}

// Node places geometry instances in the scene.
type Node struct {
	ID        string             `xml:"id,attr"`
	Name      string             `xml:"name,attr"`
	Matrix    Floats             `xml:"matrix"`
	Instances []InstanceGeometry `xml:"instance_geometry"`
	Children  []Node             `xml:"node"`
}

// InstanceGeometry references a geometry by url.
type InstanceGeometry struct {
	URL string `xml:"url,attr"`
}
