package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/ahrdadan/snapq/internal/artifact"
)

// Mode is the target descriptor variant of a request.
type Mode int

const (
	ModeSingle Mode = iota + 1
	ModeMulti
	ModeSpan
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeMulti:
		return "multi"
	case ModeSpan:
		return "span"
	default:
		return "none"
	}
}

// Width is a requested output width. It decodes from a JSON number or a
// numeric string; anything else decodes to zero, meaning "use the default".
type Width int

func (w *Width) UnmarshalJSON(data []byte) error {
	*w = 0
	data = bytes.TrimSpace(data)

	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		if n >= 1 && n < math.MaxInt {
			*w = Width(n)
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*w = ParseWidth(s)
	}
	return nil
}

// ParseWidth reads the leading decimal digits of s. It returns zero when there
// are none, the value is zero, or it overflows int.
func ParseWidth(s string) Width {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n < 1 {
		return 0
	}
	return Width(n)
}

// Request is one capture request.
type Request struct {
	URL string `json:"url"`

	Selector string `json:"selector,omitempty"`
	Filename string `json:"filename,omitempty"`

	Selectors      []string `json:"selectors,omitempty"`
	FilenamePrefix string   `json:"filenamePrefix,omitempty"`

	HeaderSelector  string `json:"headerSelector,omitempty"`
	SummarySelector string `json:"summarySelector,omitempty"`

	Width Width `json:"width,omitempty"`
}

// Mode returns the target variant the request's fields select.
func (r *Request) Mode() (Mode, error) {
	var modes []Mode
	if r.Selector != "" {
		modes = append(modes, ModeSingle)
	}
	if len(r.Selectors) > 0 {
		modes = append(modes, ModeMulti)
	}
	if r.HeaderSelector != "" || r.SummarySelector != "" {
		modes = append(modes, ModeSpan)
	}

	switch len(modes) {
	case 0:
		return 0, errors.New("one of selector, selectors, or headerSelector and summarySelector is required")
	case 1:
		return modes[0], nil
	default:
		return 0, errors.New("selector, selectors, and headerSelector/summarySelector are mutually exclusive")
	}
}

// Validate checks the request before any resource is acquired.
func (r *Request) Validate() error {
	if r.URL == "" {
		return newError(KindValidation, "validate", errors.New("url is required"))
	}
	if err := validateURL(r.URL); err != nil {
		return newError(KindValidation, "validate", err)
	}

	mode, err := r.Mode()
	if err != nil {
		return newError(KindValidation, "validate", err)
	}

	switch mode {
	case ModeSingle:
		err = requireName("filename", r.Filename)
	case ModeMulti:
		err = r.validateMulti()
	case ModeSpan:
		if r.HeaderSelector == "" || r.SummarySelector == "" {
			err = errors.New("headerSelector and summarySelector are both required")
		} else {
			err = requireName("filename", r.Filename)
		}
	}
	if err != nil {
		return newError(KindValidation, "validate", err)
	}
	return nil
}

func (r *Request) validateMulti() error {
	for i, sel := range r.Selectors {
		if strings.TrimSpace(sel) == "" {
			return fmt.Errorf("selectors[%d] is empty", i)
		}
	}
	return requireName("filenamePrefix", r.FilenamePrefix)
}

// OutputWidth returns the requested width or def when none was given.
func (r *Request) OutputWidth(def int) int {
	if r.Width > 0 {
		return int(r.Width)
	}
	return def
}

func requireName(field, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !artifact.ValidName(name) {
		return fmt.Errorf("%s: %w", field, artifact.ErrInvalidName)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

type requestIDKey struct{}

// WithRequestID attaches a request id used in logs and events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
