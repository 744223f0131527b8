package form

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/imaging"
	"github.com/tomasbasham/apple-dataset/internal/upload"
)

// Image is one uploaded or captured file as received.
type Image struct {
	Filename string
	Data     []byte
}

// Submission is a form post before validation.
type Submission struct {
	Source   upload.Source
	Images   []Image
	Rotation string
	Values   map[string]string
}

// Normalize trims every value and drops names the schema does not define.
func (s Schema) Normalize(values map[string]string) map[string]string {
	out := make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		if v, ok := values[f.Name]; ok {
			out[f.Name] = strings.TrimSpace(v)
		}
	}
	return out
}

// Validate checks values against schema. Blank required fields are reported
// together, before any value checks, so the contributor sees every missing
// field at once.
func Validate(schema Schema, values map[string]string) error {
	var missing []string
	for _, f := range schema.Fields {
		if f.Required && strings.TrimSpace(values[f.Name]) == "" {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return apperr.Validation("validate form", nil, missing...)
	}

	var (
		problems []error
		invalid  []string
		sums     = map[string]float64{}
		members  = map[string][]string{}
	)
	for _, f := range schema.Fields {
		v := strings.TrimSpace(values[f.Name])
		if v == "" {
			continue
		}
		switch f.Kind {
		case KindSelect:
			if !f.hasOption(v) {
				problems = append(problems, fmt.Errorf("%s: %q is not one of the offered choices", f.Name, v))
				invalid = append(invalid, f.Name)
			}
		case KindNumber:
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				problems = append(problems, fmt.Errorf("%s must be a number", f.Name))
				invalid = append(invalid, f.Name)
			}
		case KindPercent:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil || n < 0 || n > 100 {
				problems = append(problems, fmt.Errorf("%s must be between 0 and 100", f.Name))
				invalid = append(invalid, f.Name)
				continue
			}
			if f.Group != "" {
				sums[f.Group] += n
				members[f.Group] = append(members[f.Group], f.Name)
			}
		}
	}
	for group, sum := range sums {
		if sum > 100 {
			problems = append(problems, fmt.Errorf("%s add up to %g%%, more than 100%%", strings.Join(members[group], " + "), sum))
			invalid = append(invalid, members[group]...)
		}
	}

	if len(problems) > 0 {
		return apperr.Validation("validate form", errors.Join(problems...), invalid...)
	}
	return nil
}

// Options configures Build.
type Options struct {
	// Now stamps the submission. Defaults to time.Now.
	Now func() time.Time

	// NewID generates item identifiers. Defaults to upload.NewID.
	NewID func() string

	// Image controls re-encoding. Its Rotation is taken from the submission.
	Image imaging.Options

	// MaxImages bounds a device submission. Zero means no limit.
	MaxImages int
}

// Build validates sub and prepares one upload item per image.
//
// Validation failures, including an image count that does not match the
// source, are returned as an error and nothing is built. An image that
// cannot be decoded does not stop the others; it is returned as a failed
// result alongside the items that were built.
func Build(schema Schema, sub Submission, opts Options) ([]upload.Item, []upload.Result, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = upload.NewID
	}

	if err := Validate(schema, sub.Values); err != nil {
		return nil, nil, err
	}
	if err := checkSource(sub, opts.MaxImages); err != nil {
		return nil, nil, err
	}
	rotation, err := imaging.ParseRotation(sub.Rotation)
	if err != nil {
		return nil, nil, err
	}

	values := schema.Normalize(sub.Values)
	submittedAt := opts.Now().UTC()

	imgOpts := opts.Image
	imgOpts.Rotation = rotation

	items := make([]upload.Item, 0, len(sub.Images))
	var rejected []upload.Result
	for i, img := range sub.Images {
		id := opts.NewID()
		name := img.Filename
		if name == "" {
			name = fmt.Sprintf("captured_image_%d.jpg", i+1)
		}

		prepared, err := imaging.Prepare(img.Data, imgOpts)
		if err != nil {
			rejected = append(rejected, upload.Result{
				ItemID:           id,
				OriginalFilename: name,
				Message:          apperr.Message(err),
				Err:              err,
			})
			continue
		}

		fields := make(map[string]string, len(values))
		for k, v := range values {
			fields[k] = v
		}
		items = append(items, upload.Item{
			ID:               id,
			Image:            prepared.JPEG,
			ContentType:      imaging.ContentType,
			OriginalFilename: name,
			Source:           sub.Source,
			Rotation:         int(rotation),
			Fields:           fields,
			SubmittedAt:      submittedAt,
		})
	}
	return items, rejected, nil
}

func checkSource(sub Submission, limit int) error {
	n := len(sub.Images)
	switch sub.Source {
	case upload.SourceDevice:
		if n == 0 {
			return apperr.Validation("check images", nil, "images")
		}
		if limit > 0 && n > limit {
			return apperr.Validation("check images", fmt.Errorf("at most %d images can be uploaded at once, got %d", limit, n), "images")
		}
	case upload.SourceCamera:
		if n == 0 {
			return apperr.Validation("check images", nil, "camera")
		}
		if n > 1 {
			return apperr.Validation("check images", fmt.Errorf("the camera provides exactly one image, got %d", n), "camera")
		}
	default:
		return apperr.Validation("check images", fmt.Errorf("unknown image source %q", sub.Source), "source")
	}
	return nil
}
