// Package form describes the metadata collected with each photograph and
// turns a submitted form into upload items.
package form

import (
	"fmt"
	"regexp"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
)

// Kind is the input type of a field.
type Kind string

const (
	KindText     Kind = "text"
	KindTextarea Kind = "textarea"
	KindSelect   Kind = "select"
	KindNumber   Kind = "number"
	KindPercent  Kind = "percent"
)

func (k Kind) valid() bool {
	switch k {
	case KindText, KindTextarea, KindSelect, KindNumber, KindPercent:
		return true
	}
	return false
}

// Option is one choice of a select field.
type Option struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// Field is one metadata input.
type Field struct {
	Name        string   `yaml:"name" json:"name"`
	Label       string   `yaml:"label" json:"label"`
	Kind        Kind     `yaml:"kind" json:"kind"`
	Options     []Option `yaml:"options,omitempty" json:"options,omitempty"`
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Placeholder string   `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`

	// Group links percent fields whose values must not sum above 100.
	Group string `yaml:"group,omitempty" json:"group,omitempty"`
}

func (f Field) hasOption(v string) bool {
	for _, o := range f.Options {
		if o.Value == v {
			return true
		}
	}
	return false
}

// Schema is the ordered list of fields rendered on the form.
type Schema struct {
	Fields []Field `yaml:"fields" json:"fields"`
}

var fieldName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reserved names are written by the uploader and cannot be form fields.
var reserved = map[string]bool{
	"id":                true,
	"upload_timestamp":  true,
	"source":            true,
	"original_filename": true,
	"rotation":          true,
	"file_name":         true,
}

// Check reports schema mistakes such as duplicate names or selects without
// options. A schema loaded from configuration must pass Check before use.
func (s Schema) Check() error {
	if len(s.Fields) == 0 {
		return apperr.Config("check schema", fmt.Errorf("form: schema has no fields"), "schema")
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		switch {
		case !fieldName.MatchString(f.Name):
			return apperr.Config("check schema", fmt.Errorf("form: field %d has invalid name %q", i, f.Name), "schema.fields")
		case reserved[f.Name]:
			return apperr.Config("check schema", fmt.Errorf("form: field name %q is reserved", f.Name), "schema.fields")
		case seen[f.Name]:
			return apperr.Config("check schema", fmt.Errorf("form: duplicate field %q", f.Name), "schema.fields")
		case !f.Kind.valid():
			return apperr.Config("check schema", fmt.Errorf("form: field %q has unknown kind %q", f.Name, f.Kind), "schema.fields")
		case f.Kind == KindSelect && len(f.Options) == 0:
			return apperr.Config("check schema", fmt.Errorf("form: select field %q has no options", f.Name), "schema.fields")
		}
		seen[f.Name] = true
	}
	return nil
}

// Field returns the field called name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// DefaultSchema is the metadata collected when the configuration does not
// supply a schema.
func DefaultSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "variety", Label: "Apple variety / सेब की किस्म", Kind: KindText, Required: true, Placeholder: "e.g. Royal Delicious, Golden, Fuji"},
		{Name: "ripeness", Label: "Ripeness / पकने की स्थिति", Kind: KindSelect, Options: []Option{
			{Value: "Unripe", Label: "Unripe / कच्चा"},
			{Value: "Semi-ripe", Label: "Semi-ripe / अधपका"},
			{Value: "Ripe", Label: "Ripe / पका हुआ"},
		}},
		{Name: "size", Label: "Size / आकार", Kind: KindSelect, Options: []Option{
			{Value: "Small", Label: "Small / छोटा"},
			{Value: "Medium", Label: "Medium / मध्यम"},
			{Value: "Large", Label: "Large / बड़ा"},
		}},
		{Name: "quality", Label: "Quality / गुणवत्ता", Kind: KindSelect, Options: []Option{
			{Value: "High", Label: "High / उच्च"},
			{Value: "Medium", Label: "Medium / मध्यम"},
			{Value: "Low", Label: "Low / कम"},
		}},
		{Name: "red_color_percent", Label: "Red colour % / लाल रंग %", Kind: KindPercent, Group: "color"},
		{Name: "green_color_percent", Label: "Green colour % / हरा रंग %", Kind: KindPercent, Group: "color"},
		{Name: "yellow_color_percent", Label: "Yellow colour % / पीला रंग %", Kind: KindPercent, Group: "color"},
		{Name: "damage", Label: "Damage / क्षति", Kind: KindSelect, Options: []Option{
			{Value: "None", Label: "None / कोई नहीं"},
			{Value: "Minor", Label: "Minor / मामूली"},
			{Value: "Moderate", Label: "Moderate / मध्यम"},
			{Value: "Severe", Label: "Severe / गंभीर"},
		}},
		{Name: "damage_notes", Label: "Damage notes / क्षति विवरण", Kind: KindTextarea, Placeholder: "Bruises, cuts, pest marks..."},
		{Name: "orchard_location", Label: "Orchard location / बाग का स्थान", Kind: KindText, Placeholder: "Village, district, state"},
		{Name: "contributor", Label: "Your name (optional) / आपका नाम", Kind: KindText},
	}}
}
