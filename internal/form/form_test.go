package form

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/upload"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func fixedOptions() Options {
	n := 0
	return Options{
		Now: func() time.Time { return time.Date(2025, 9, 14, 8, 30, 5, 0, time.FixedZone("IST", 19800)) },
		NewID: func() string {
			n++
			return "item-" + strconv.Itoa(n)
		},
	}
}

func TestDefaultSchemaPassesCheck(t *testing.T) {
	schema := DefaultSchema()
	require.NoError(t, schema.Check())

	variety, ok := schema.Field("variety")
	require.True(t, ok)
	assert.True(t, variety.Required)
	assert.Equal(t, KindText, variety.Kind)
}

func TestSchemaCheck(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
	}{
		{"empty", nil},
		{"bad name", []Field{{Name: "Variety!", Kind: KindText}}},
		{"reserved", []Field{{Name: "file_name", Kind: KindText}}},
		{"duplicate", []Field{{Name: "a", Kind: KindText}, {Name: "a", Kind: KindText}}},
		{"unknown kind", []Field{{Name: "a", Kind: "slider"}}},
		{"select without options", []Field{{Name: "a", Kind: KindSelect}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Schema{Fields: tt.fields}.Check()
			require.Error(t, err)
			assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
		})
	}
}

func TestValidate(t *testing.T) {
	schema := DefaultSchema()

	tests := []struct {
		name    string
		values  map[string]string
		wantErr bool
		fields  []string
	}{
		{
			name:   "minimal",
			values: map[string]string{"variety": "Fuji"},
		},
		{
			name: "complete",
			values: map[string]string{
				"variety": "Royal Delicious", "ripeness": "Ripe", "size": "Large", "quality": "High",
				"red_color_percent": "70", "green_color_percent": "20", "yellow_color_percent": "10",
				"damage": "None",
			},
		},
		{
			name:    "blank variety",
			values:  map[string]string{"variety": "   ", "ripeness": "Ripe"},
			wantErr: true,
			fields:  []string{"variety"},
		},
		{
			name:    "unknown select value",
			values:  map[string]string{"variety": "Fuji", "size": "Huge"},
			wantErr: true,
			fields:  []string{"size"},
		},
		{
			name:    "percent out of range",
			values:  map[string]string{"variety": "Fuji", "red_color_percent": "120"},
			wantErr: true,
			fields:  []string{"red_color_percent"},
		},
		{
			name:    "percent not a number",
			values:  map[string]string{"variety": "Fuji", "green_color_percent": "lots"},
			wantErr: true,
			fields:  []string{"green_color_percent"},
		},
		{
			name:    "colours above 100",
			values:  map[string]string{"variety": "Fuji", "red_color_percent": "60", "green_color_percent": "30", "yellow_color_percent": "20"},
			wantErr: true,
			fields:  []string{"red_color_percent", "green_color_percent", "yellow_color_percent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(schema, tt.values)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

			var e *apperr.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.fields, e.Fields)
		})
	}
}

func TestValidate_BlankVarietyMessage(t *testing.T) {
	err := Validate(DefaultSchema(), map[string]string{})
	assert.Contains(t, apperr.Message(err), "Please fill in: variety")
}

func TestBuild(t *testing.T) {
	sub := Submission{
		Source:   upload.SourceDevice,
		Images:   []Image{{Filename: "a.png", Data: pngBytes(t, 30, 10)}, {Filename: "b.png", Data: pngBytes(t, 30, 10)}},
		Rotation: "90",
		Values:   map[string]string{"variety": " Fuji ", "size": "Small", "unexpected": "dropped"},
	}

	items, rejected, err := Build(DefaultSchema(), sub, fixedOptions())
	require.NoError(t, err)
	assert.Empty(t, rejected)
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, "item-1", first.ID)
	assert.Equal(t, "a.png", first.OriginalFilename)
	assert.Equal(t, upload.SourceDevice, first.Source)
	assert.Equal(t, 90, first.Rotation)
	assert.Equal(t, "image/jpeg", first.ContentType)
	assert.Equal(t, map[string]string{"variety": "Fuji", "size": "Small"}, first.Fields)
	assert.Equal(t, time.Date(2025, 9, 14, 3, 0, 5, 0, time.UTC), first.SubmittedAt)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(first.Image))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 10, cfg.Width)
	assert.Equal(t, 30, cfg.Height)

	assert.Equal(t, "item-2", items[1].ID)
}

func TestBuild_UndecodableImageIsRejectedAlone(t *testing.T) {
	sub := Submission{
		Source: upload.SourceDevice,
		Images: []Image{{Filename: "ok.png", Data: pngBytes(t, 8, 8)}, {Filename: "broken.heic", Data: []byte("????")}},
		Values: map[string]string{"variety": "Gala"},
	}

	items, rejected, err := Build(DefaultSchema(), sub, fixedOptions())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, rejected, 1)

	assert.Equal(t, "broken.heic", rejected[0].OriginalFilename)
	assert.False(t, rejected[0].Success)
	assert.Equal(t, apperr.KindImage, apperr.KindOf(rejected[0].Err))
	assert.Contains(t, rejected[0].Message, "Could not read the image")
}

func TestBuild_SourceRules(t *testing.T) {
	img := Image{Data: pngBytes(t, 4, 4)}
	values := map[string]string{"variety": "Fuji"}

	tests := []struct {
		name    string
		sub     Submission
		max     int
		wantErr bool
	}{
		{"device one", Submission{Source: upload.SourceDevice, Images: []Image{img}}, 0, false},
		{"device many", Submission{Source: upload.SourceDevice, Images: []Image{img, img, img}}, 0, false},
		{"device none", Submission{Source: upload.SourceDevice}, 0, true},
		{"device over limit", Submission{Source: upload.SourceDevice, Images: []Image{img, img}}, 1, true},
		{"camera one", Submission{Source: upload.SourceCamera, Images: []Image{img}}, 0, false},
		{"camera none", Submission{Source: upload.SourceCamera}, 0, true},
		{"camera two", Submission{Source: upload.SourceCamera, Images: []Image{img, img}}, 0, true},
		{"unknown source", Submission{Source: "scanner", Images: []Image{img}}, 0, true},
		{"bad rotation", Submission{Source: upload.SourceDevice, Images: []Image{img}, Rotation: "45"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.sub.Values = values
			opts := fixedOptions()
			opts.MaxImages = tt.max

			items, _, err := Build(DefaultSchema(), tt.sub, opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
				assert.Nil(t, items)
				return
			}
			require.NoError(t, err)
			assert.Len(t, items, len(tt.sub.Images))
		})
	}
}

func TestBuild_CameraImageGetsDefaultName(t *testing.T) {
	sub := Submission{
		Source: upload.SourceCamera,
		Images: []Image{{Data: pngBytes(t, 4, 4)}},
		Values: map[string]string{"variety": "Fuji"},
	}
	items, _, err := Build(DefaultSchema(), sub, fixedOptions())
	require.NoError(t, err)
	assert.Equal(t, "captured_image_1.jpg", items[0].OriginalFilename)
}

func TestBuild_ValidationBeforeDecoding(t *testing.T) {
	sub := Submission{
		Source: upload.SourceDevice,
		Images: []Image{{Filename: "broken", Data: []byte("nope")}},
		Values: map[string]string{},
	}
	items, rejected, err := Build(DefaultSchema(), sub, fixedOptions())
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Nil(t, items)
	assert.Nil(t, rejected)
}
