// ABOUTME: Stream request model and output formats
// ABOUTME: Validates the source URL before any network activity
package domain

import (
	"net/url"
	"strings"
)

type Format string

const (
	FormatMP3 Format = "audio-mp3"
	// FormatMP4 is only produced by the passthrough download route.
	FormatMP4 Format = "video-mp4"
)

func (f Format) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatMP4:
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

func (f Format) Extension() string {
	switch f {
	case FormatMP3:
		return "mp3"
	case FormatMP4:
		return "mp4"
	default:
		return "bin"
	}
}

func (f Format) Valid() bool {
	return f == FormatMP3 || f == FormatMP4
}

// StreamRequest is immutable once built by NewStreamRequest
type StreamRequest struct {
	sourceURL string
	format    Format
}

func NewStreamRequest(rawURL string, format Format) (StreamRequest, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return StreamRequest{}, InvalidInput("source URL is required")
	}

	if err := ValidateURL(rawURL); err != nil {
		return StreamRequest{}, err
	}

	if !format.Valid() {
		return StreamRequest{}, InvalidInput("unsupported output format " + string(format))
	}

	return StreamRequest{sourceURL: rawURL, format: format}, nil
}

func (r StreamRequest) SourceURL() string {
	return r.sourceURL
}

func (r StreamRequest) Format() Format {
	return r.format
}

// ValidateURL accepts only absolute http and https URLs with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return InvalidInput("malformed source URL")
	}

	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return InvalidInput("source URL must be an absolute http or https URL")
	}

	if u.Host == "" {
		return InvalidInput("source URL has no host")
	}

	return nil
}
