package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeTransaction IDType = "txn"
	IDTypeConflict    IDType = "cfl"
	IDTypeHandoff     IDType = "hnd"
	IDTypeBackup      IDType = "bak"
	IDTypeEvent       IDType = "evt"
)

var validIDTypes = map[IDType]bool{
	IDTypeTransaction: true,
	IDTypeConflict:    true,
	IDTypeHandoff:     true,
	IDTypeBackup:      true,
	IDTypeEvent:       true,
}

var (
	specIDRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]*-[0-9]{3,}$`)
	taskIDRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)
	idRegex     = regexp.MustCompile(`^(txn|cfl|hnd|bak|evt)_[0-9a-f]{32}$`)
)

// GenerateID returns a prefixed random identifier, e.g. txn_3f2a....
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return fmt.Sprintf("%s_%s", idType, strings.ReplaceAll(u.String(), "-", "")), nil
}

// MustGenerateID is GenerateID for callers that cannot recover from an
// exhausted random source.
func MustGenerateID(idType IDType) string {
	id, err := GenerateID(idType)
	if err != nil {
		panic(err)
	}
	return id
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(id[:strings.IndexByte(id, '_')]), nil
}

// ValidSpecID reports whether id has the TYPE-NNN shape.
func ValidSpecID(id string) bool {
	return specIDRegex.MatchString(id)
}

func ValidTaskID(id string) bool {
	return taskIDRegex.MatchString(id)
}
