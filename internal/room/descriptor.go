package room

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

const TopicSize = 32

var ErrInvalidDescriptor = errors.New("invalid room descriptor")

// Descriptor names a room. Only Topic identifies it; two descriptors with the
// same topic are the same room whatever their names say.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Topic       string `json:"topic"`
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Topic) == "" {
		return ErrInvalidDescriptor
	}
	return nil
}

// DisplayName falls back to the topic prefix for unnamed rooms.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return ShortTopic(d.Topic)
}

// NewTopic returns 32 random bytes, hex encoded.
func NewTopic() (string, error) {
	buf := make([]byte, TopicSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func ShortTopic(topic string) string {
	if len(topic) > 8 {
		return topic[:8]
	}
	return topic
}
