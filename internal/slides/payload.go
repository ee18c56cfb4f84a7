package slides

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/patronek-app/patronek/backend/internal/errs"
)

// VideoData is the payload of a video slide.
type VideoData struct {
	MP4URL      string `json:"mp4Url"`
	HLSURL      string `json:"hlsUrl,omitempty"`
	Poster      string `json:"poster,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// HTMLData is the payload of an html slide. The content string arrives
// pre-sanitized from the external sanitizer collaborator.
type HTMLData struct {
	HTMLContent string `json:"htmlContent"`
}

// Payload is the tagged union of slide payload variants. Exactly one side is
// populated, keyed by the slide's type.
type Payload struct {
	Video *VideoData
	HTML  *HTMLData
}

// ParsePayload validates a raw payload against the slide type and returns
// the typed variant. Malformed payloads are rejected before any backend
// call.
func ParsePayload(slideType SlideType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, fmt.Errorf("%w: slide data required", errs.ErrInvalidInput)
	}
	switch slideType {
	case SlideTypeVideo:
		var data VideoData
		if err := json.Unmarshal(raw, &data); err != nil {
			return Payload{}, fmt.Errorf("%w: malformed video data", errs.ErrInvalidInput)
		}
		if strings.TrimSpace(data.MP4URL) == "" {
			return Payload{}, fmt.Errorf("%w: video data requires mp4Url", errs.ErrInvalidInput)
		}
		return Payload{Video: &data}, nil
	case SlideTypeHTML:
		var data HTMLData
		if err := json.Unmarshal(raw, &data); err != nil {
			return Payload{}, fmt.Errorf("%w: malformed html data", errs.ErrInvalidInput)
		}
		if strings.TrimSpace(data.HTMLContent) == "" {
			return Payload{}, fmt.Errorf("%w: html data requires htmlContent", errs.ErrInvalidInput)
		}
		return Payload{HTML: &data}, nil
	}
	return Payload{}, fmt.Errorf("%w: unknown slide type %q", errs.ErrInvalidInput, slideType)
}

// Title returns the display title carried inside the payload, if any.
func (p Payload) Title() string {
	if p.Video != nil {
		return p.Video.Title
	}
	return ""
}

// MarshalJSON emits the populated variant directly.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Video != nil {
		return json.Marshal(p.Video)
	}
	if p.HTML != nil {
		return json.Marshal(p.HTML)
	}
	return []byte("null"), nil
}

// contentEnvelope is the storage encoding of a slide's payload column,
// matching the historical {"data":…,"avatar":…} shape.
type contentEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Avatar string          `json:"avatar,omitempty"`
}

func encodeContent(payload Payload, avatar string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(contentEnvelope{Data: data, Avatar: avatar})
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeContent(slideType SlideType, content string) (Payload, string, error) {
	var envelope contentEnvelope
	if content != "" {
		if err := json.Unmarshal([]byte(content), &envelope); err != nil {
			return Payload{}, "", fmt.Errorf("slides: corrupt content column: %w", err)
		}
	}
	if len(envelope.Data) == 0 {
		return Payload{}, envelope.Avatar, nil
	}
	payload, err := ParsePayload(slideType, envelope.Data)
	if err != nil {
		return Payload{}, "", fmt.Errorf("slides: corrupt content column: %w", err)
	}
	return payload, envelope.Avatar, nil
}

// mergeData overlays the fields present in partial onto the stored payload
// and revalidates the result; the stored record is never overwritten
// wholesale.
func mergeData(slideType SlideType, stored Payload, partial json.RawMessage) (Payload, error) {
	if len(partial) == 0 {
		return stored, nil
	}

	base := map[string]interface{}{}
	storedRaw, err := json.Marshal(stored)
	if err != nil {
		return Payload{}, err
	}
	if err := json.Unmarshal(storedRaw, &base); err != nil {
		return Payload{}, err
	}

	overlay := map[string]interface{}{}
	if err := json.Unmarshal(partial, &overlay); err != nil {
		return Payload{}, fmt.Errorf("%w: malformed slide data", errs.ErrInvalidInput)
	}
	for key, value := range overlay {
		base[key] = value
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return Payload{}, err
	}
	return ParsePayload(slideType, merged)
}
