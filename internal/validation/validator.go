package validation

import (
	"fmt"
	"unicode"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/errors"
)

const (
	// Size limits
	MaxKeySize       = 1024             // 1 KB
	MaxAdSize        = 10 * 1024 * 1024 // 10 MB
	MaxAttributeSize = 256
)

// Validator validates store operations
type Validator struct {
	maxKeySize       int
	maxAdSize        int
	maxAttributeSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:       MaxKeySize,
		maxAdSize:        MaxAdSize,
		maxAttributeSize: MaxAttributeSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxAdSize, maxAttributeSize int) *Validator {
	return &Validator{
		maxKeySize:       maxKeySize,
		maxAdSize:        maxAdSize,
		maxAttributeSize: maxAttributeSize,
	}
}

// ValidateWrite validates a record operation
func (v *Validator) ValidateWrite(key string, ad classad.Ad) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateAd(ad)
}

// ValidateKey validates a record key. Keys are written to the log as the
// first word of an entry body, so whitespace is rejected along with control
// characters.
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return errors.InvalidKey(key, "key cannot contain control characters")
		}
		if unicode.IsSpace(r) {
			return errors.InvalidKey(key, "key cannot contain whitespace")
		}
	}

	return nil
}

// ValidateAttribute validates an attribute name. Names must be usable as
// expression identifiers.
func (v *Validator) ValidateAttribute(name string) error {
	if name == "" {
		return errors.InvalidAttribute(name, "attribute name cannot be empty")
	}

	if len(name) > v.maxAttributeSize {
		return errors.InvalidAttribute(name, fmt.Sprintf("attribute name exceeds maximum size of %d bytes", v.maxAttributeSize))
	}

	for i, r := range name {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case unicode.IsDigit(r) && i > 0:
		default:
			return errors.InvalidAttribute(name, "attribute name must be an identifier")
		}
	}

	return nil
}

// ValidateAd validates the top-level attribute names and encoded size of an
// ad. A nil ad is valid and stands for an empty record.
func (v *Validator) ValidateAd(ad classad.Ad) error {
	for _, name := range ad.Names() {
		if err := v.ValidateAttribute(name); err != nil {
			return err
		}
	}

	data, err := ad.MarshalJSON()
	if err != nil {
		return errors.InvalidArgument("ad cannot be encoded", err)
	}
	if len(data) > v.maxAdSize {
		return errors.InvalidArgument(
			fmt.Sprintf("ad size %d exceeds maximum %d", len(data), v.maxAdSize),
			nil,
		).WithDetail("size", len(data)).WithDetail("max_size", v.maxAdSize)
	}

	return nil
}

// ValidateAttributes validates a list of partition attributes. The list must
// be non-empty and free of duplicates.
func (v *Validator) ValidateAttributes(names []string) error {
	if len(names) == 0 {
		return errors.InvalidArgument("at least one partition attribute is required", nil)
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if err := v.ValidateAttribute(name); err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return errors.InvalidAttribute(name, "duplicate partition attribute")
		}
		seen[name] = struct{}{}
	}
	return nil
}

// EstimateWriteSize estimates the log space needed for a record operation
// This is used by the disk manager to check available space
func EstimateWriteSize(key string, ad classad.Ad) uint64 {
	adSize := 0
	if data, err := ad.MarshalJSON(); err == nil {
		adSize = len(data)
	}

	// Header line, body separator and checksummed tail
	entrySize := len(key) + adSize + 32

	// Checkpoint rewrite keeps a second copy on disk while it runs
	total := uint64(entrySize * 2)
	return total + (total / 5)
}
