package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewAnnotationID builds a client-side id from the creation time and a random
// suffix, so annotations never need a server round trip to stay unique.
func NewAnnotationID(now time.Time) string {
	bytes := make([]byte, 4)
	_, _ = rand.Read(bytes)
	return "ann_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + hex.EncodeToString(bytes)
}
