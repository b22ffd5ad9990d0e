package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultJPEGQuality = 80

// HTTPDetector sends frames as JPEG to an inference service and parses the
// JSON reply.
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	quality  int
}

type inferenceResponse struct {
	Detections []inferenceDetection `json:"detections"`
}

type inferenceDetection struct {
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"` // x1, y1, x2, y2 in pixels
}

// NewHTTPDetector creates a detector posting to endpoint.
func NewHTTPDetector(endpoint string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPDetector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		quality:  defaultJPEGQuality,
	}
}

// Detect implements Detector.
func (d *HTTPDetector) Detect(ctx context.Context, img image.Image, confidence float64) ([]Detection, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	target, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid detector url: %w", err)
	}
	q := target.Query()
	q.Set("conf", strconv.FormatFloat(confidence, 'f', -1, 64))
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}

	bounds := img.Bounds()
	out := make([]Detection, 0, len(parsed.Detections))
	for _, det := range parsed.Detections {
		// The service should already filter, but older model servers ignore conf.
		if det.Confidence < confidence {
			continue
		}
		box := image.Rect(
			int(det.Box[0]), int(det.Box[1]),
			int(det.Box[2]), int(det.Box[3]),
		).Intersect(bounds)
		out = append(out, Detection{
			Class:      NormalizeClass(det.ClassID, det.ClassName),
			ClassID:    det.ClassID,
			Confidence: det.Confidence,
			Box:        box,
		})
	}
	return out, nil
}
