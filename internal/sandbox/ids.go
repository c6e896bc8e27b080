package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var randomSuffix = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// newVMID returns fc-<unix millis>-<8 hex chars>.
func newVMID(now time.Time) string {
	return fmt.Sprintf("fc-%d-%s", now.UnixMilli(), randomSuffix())
}

func NewSnapshotID() string {
	return newID("snap")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
