package pool

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

const unitIDPrefix = "unit"

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewUnitID returns a fresh, globally unique unit ID.
func NewUnitID() string {
	id, err := generateTypeID(unitIDPrefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", unitIDPrefix, time.Now().UTC().UnixNano())
}
