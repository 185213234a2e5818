package device

import (
	"fmt"
	"regexp"
)

// Validation limits.
const (
	maxIDLength       = 64
	maxSettingsKeys   = 50
	maxDescriptionLen = 256
	maxStringValueLen = 1024
	maxNestingDepth   = 4
)

// Device IDs appear in MQTT topics and URLs, so they are restricted to a
// topic-safe alphabet.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateID checks a device or pipeline identifier.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrConfigInvalid)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id %q exceeds %d characters", ErrConfigInvalid, id, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: id %q may only contain letters, digits, '.', '_' and '-'", ErrConfigInvalid, id)
	}
	return nil
}

// ValidateSpec checks a device declaration before any driver is created.
func ValidateSpec(s Spec) error {
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	if s.Driver == "" {
		return fmt.Errorf("%w: device %s has no driver type", ErrConfigInvalid, s.ID)
	}
	if len(s.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: device %s description exceeds %d characters", ErrConfigInvalid, s.ID, maxDescriptionLen)
	}
	if len(s.Settings) > maxSettingsKeys {
		return fmt.Errorf("%w: device %s has %d settings (max %d)", ErrConfigInvalid, s.ID, len(s.Settings), maxSettingsKeys)
	}
	for k, v := range s.Settings {
		if err := validateValue(v, 0); err != nil {
			return fmt.Errorf("%w: device %s setting %q: %w", ErrConfigInvalid, s.ID, k, err)
		}
	}
	return nil
}

func validateValue(v any, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("nested deeper than %d levels", maxNestingDepth)
	}
	switch x := v.(type) {
	case string:
		if len(x) > maxStringValueLen {
			return fmt.Errorf("string exceeds %d characters", maxStringValueLen)
		}
	case []any:
		for _, item := range x {
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, item := range x {
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
