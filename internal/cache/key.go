package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Key identifies equivalent generation work: same topic, grade and interest
// produce the same artifact regardless of how the question was phrased.
type Key struct {
	TopicID    string
	GradeLevel int
	Interest   string
}

func NewKey(topicID string, gradeLevel int, interest string) Key {
	return Key{TopicID: topicID, GradeLevel: gradeLevel, Interest: interest}.Normalize()
}

func (k Key) Normalize() Key {
	return Key{
		TopicID:    strings.ToLower(strings.TrimSpace(k.TopicID)),
		GradeLevel: k.GradeLevel,
		Interest:   strings.ToLower(strings.Join(strings.Fields(k.Interest), " ")),
	}
}

func (k Key) Validate() error {
	n := k.Normalize()
	switch {
	case n.TopicID == "":
		return errors.New("cache key: topic id required")
	case n.GradeLevel <= 0:
		return errors.New("cache key: grade level required")
	case n.Interest == "":
		return errors.New("cache key: interest required")
	}
	return nil
}

// String is the canonical form stored alongside artifacts.
func (k Key) String() string {
	n := k.Normalize()
	return fmt.Sprintf("%s|%d|%s", n.TopicID, n.GradeLevel, n.Interest)
}

// Digest is a fixed-length form safe for Redis key names.
func (k Key) Digest() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:16])
}
