package schema

import "strings"

// ValidateStorageKey ensures a storage key matches [A-Za-z0-9._:-] with no normalization.
func ValidateStorageKey(key StorageKey) error {
	raw := string(key)
	if raw == "" {
		return ErrInvalidStorageKey
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidStorageKey
	}
	if len(raw) > 128 {
		return ErrInvalidStorageKey
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' || r == ':' {
			continue
		}
		return ErrInvalidStorageKey
	}
	return nil
}

// NormalizeStorageKey returns the default key for empty input and validates the rest.
func NormalizeStorageKey(key StorageKey) (StorageKey, error) {
	if key == "" {
		return DefaultStorageKey, nil
	}
	if err := ValidateStorageKey(key); err != nil {
		return "", err
	}
	return key, nil
}
