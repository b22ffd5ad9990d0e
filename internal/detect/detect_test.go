package detect

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeClass(t *testing.T) {
	assert.Equal(t, ClassPerson, NormalizeClass(0, "person"))
	assert.Equal(t, ClassPerson, NormalizeClass(0, ""))
	assert.Equal(t, ClassPhone, NormalizeClass(67, "cell phone"))
	assert.Equal(t, ClassPhone, NormalizeClass(-1, "Cell Phone"))
	assert.Equal(t, "dog", NormalizeClass(16, "dog"))
}

func TestCount(t *testing.T) {
	dets := []Detection{
		{Class: ClassPerson}, {Class: ClassPhone}, {Class: ClassPhone}, {Class: "cup"},
	}
	persons, phones := Count(dets)
	assert.Equal(t, 1, persons)
	assert.Equal(t, 2, phones)
}

func TestHTTPDetector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		assert.Equal(t, "0.4", r.URL.Query().Get("conf"))

		img, err := jpeg.Decode(r.Body)
		if assert.NoError(t, err) {
			assert.Equal(t, 64, img.Bounds().Dx())
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"class_id": 0, "class_name": "person", "confidence": 0.9, "box": []float64{1, 2, 30, 40}},
				{"class_id": 67, "class_name": "cell phone", "confidence": 0.6, "box": []float64{10, 10, 200, 20}},
				{"class_id": 41, "class_name": "cup", "confidence": 0.2, "box": []float64{0, 0, 5, 5}},
			},
		})
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, time.Second)
	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)), 0.4)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, ClassPerson, dets[0].Class)
	assert.Equal(t, image.Rect(1, 2, 30, 40), dets[0].Box)
	assert.Equal(t, ClassPhone, dets[1].Class)
	assert.Equal(t, image.Rect(10, 10, 64, 20), dets[1].Box, "box is clipped to the frame")
}

func TestHTTPDetectorServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDetector(srv.URL, time.Second)
	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)), 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
