// Package invite turns room descriptors into shareable codes and back.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rudransh-shrivastava/peer-chat/internal/apperr"
	"github.com/rudransh-shrivastava/peer-chat/internal/room"
)

const (
	DefaultName        = "peer-chat room"
	DefaultDescription = "Join my chat room!"
)

var (
	ErrNotObject    = errors.New("invitation data is not an object")
	ErrMissingTopic = errors.New("invitation missing valid topic")
)

// Encode produces base64(JSON{name, description, topic}).
func Encode(d room.Descriptor) (string, error) {
	if err := d.Validate(); err != nil {
		return "", apperr.Validation("invite encode", err)
	}
	if d.Name == "" {
		d.Name = DefaultName
	}
	if d.Description == "" {
		d.Description = DefaultDescription
	}

	data, err := json.Marshal(d)
	if err != nil {
		return "", apperr.Validation("invite encode", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func Decode(code string) (room.Descriptor, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return room.Descriptor{}, apperr.Validation("invite decode", errors.New("empty invitation code"))
	}

	data, err := decodeBase64(code)
	if err != nil {
		return room.Descriptor{}, apperr.Validation("invite decode", fmt.Errorf("could not parse invitation code: %w", err))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return room.Descriptor{}, apperr.Validation("invite decode", ErrNotObject)
	}

	var d room.Descriptor
	raw, ok := fields["topic"]
	if !ok {
		return room.Descriptor{}, apperr.Validation("invite decode", ErrMissingTopic)
	}
	if err := json.Unmarshal(raw, &d.Topic); err != nil || d.Topic == "" {
		return room.Descriptor{}, apperr.Validation("invite decode", ErrMissingTopic)
	}

	// name and description are display only; wrong shapes are ignored
	if raw, ok := fields["name"]; ok {
		_ = json.Unmarshal(raw, &d.Name)
	}
	if raw, ok := fields["description"]; ok {
		_ = json.Unmarshal(raw, &d.Description)
	}
	return d, nil
}

// decodeBase64 accepts both padded and unpadded standard encodings, and the
// URL-safe alphabet some chat clients rewrite codes into.
func decodeBase64(code string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(code)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
