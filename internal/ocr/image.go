// Package ocr runs batches of images through a vision model, one image per
// call, with per-image failure isolation.
package ocr

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Status is the lifecycle state of an Image.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether s is completed or error.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Input is an image source. Data takes precedence over Path.
type Input struct {
	Name     string
	Path     string
	Data     []byte
	MIMEType string
}

// Image is a queued image and its outcome.
type Image struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        Status `json:"status"`
	ExtractedData string `json:"extractedData,omitempty"`
	Error         string `json:"error,omitempty"`

	input Input
}

// Result is the outcome of one image in a run. Exactly one of Data and
// Error is set.
type Result struct {
	ImageID string `json:"imageId"`
	Name    string `json:"name,omitempty"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the image produced data.
func (r Result) OK() bool { return r.Error == "" }

// EncodeDataURI reads in and returns it as a base64 data URI. The MIME type is
// taken from in.MIMEType, the file extension, or content sniffing, in that
// order, and must be an image type.
func EncodeDataURI(in Input) (string, error) {
	data := in.Data
	if data == nil {
		if in.Path == "" {
			return "", fmt.Errorf("%s has no data", displayName(in))
		}
		b, err := os.ReadFile(in.Path)
		if err != nil {
			return "", fmt.Errorf("reading image: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%s is empty", displayName(in))
	}

	mt := mediaType(in, data)
	if !strings.HasPrefix(mt, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", displayName(in), mt)
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func mediaType(in Input, data []byte) string {
	if in.MIMEType != "" {
		return in.MIMEType
	}
	for _, n := range []string{in.Name, in.Path} {
		if ext := filepath.Ext(n); ext != "" {
			if mt := mime.TypeByExtension(strings.ToLower(ext)); mt != "" {
				mt, _, _ = strings.Cut(mt, ";")
				return mt
			}
		}
	}
	return http.DetectContentType(data)
}

func displayName(in Input) string {
	if in.Name != "" {
		return in.Name
	}
	if in.Path != "" {
		return filepath.Base(in.Path)
	}
	return "image"
}
