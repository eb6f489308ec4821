package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength = 100
	maxSlugLength = 50
	slugPattern   = `^[a-z0-9]+(?:-[a-z0-9]+)*$`

	// Size limits for JSON fields to prevent memory exhaustion from
	// oversized registration payloads.
	maxAddressKeys = 20
	maxMappingKeys = 100
	maxTags        = 20
)

var slugRegex = regexp.MustCompile(slugPattern)

// Pre-computed validation sets for O(1) lookups.
var (
	validProtocols map[Protocol]struct{}
	validKinds     map[Kind]struct{}
)

func init() {
	validProtocols = make(map[Protocol]struct{}, len(AllProtocols()))
	for _, p := range AllProtocols() {
		validProtocols[p] = struct{}{}
	}

	validKinds = make(map[Kind]struct{}, len(AllKinds()))
	for _, k := range AllKinds() {
		validKinds[k] = struct{}{}
	}
}

// ValidateDevice performs validation on a device definition.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalid
	}

	if err := ValidateName(d.Name); err != nil {
		return err
	}

	// Empty slug is allowed; one is generated at registration.
	if d.Slug != "" {
		if err := ValidateSlug(d.Slug); err != nil {
			return err
		}
	}

	if d.FacilityID == "" {
		return fmt.Errorf("%w: facility_id is required", ErrInvalid)
	}

	if err := ValidateKind(d.Kind); err != nil {
		return err
	}

	if err := ValidateProtocol(d.Protocol); err != nil {
		return err
	}

	if len(d.Address) == 0 {
		return fmt.Errorf("%w: address is required", ErrInvalid)
	}
	if len(d.Address) > maxAddressKeys {
		return fmt.Errorf("%w: address exceeds max keys (%d)", ErrInvalid, maxAddressKeys)
	}
	if len(d.Mapping) > maxMappingKeys {
		return fmt.Errorf("%w: mapping exceeds max keys (%d)", ErrInvalid, maxMappingKeys)
	}
	if len(d.Tags) > maxTags {
		return fmt.Errorf("%w: too many tags (max %d)", ErrInvalid, maxTags)
	}

	if d.Status != "" && !d.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, d.Status)
	}

	return nil
}

// ValidateName checks a device display name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, maxNameLength)
	}
	return nil
}

// ValidateSlug checks a device slug is URL-safe.
func ValidateSlug(slug string) error {
	if len(slug) > maxSlugLength {
		return fmt.Errorf("%w: slug exceeds %d characters", ErrInvalid, maxSlugLength)
	}
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("%w: slug must match %s", ErrInvalid, slugPattern)
	}
	return nil
}

// ValidateProtocol checks the protocol is a recognised value.
// It does not check adapter availability; the registry does that.
func ValidateProtocol(p Protocol) error {
	if _, ok := validProtocols[p]; !ok {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalid, p)
	}
	return nil
}

// ValidateKind checks the device kind is a recognised value.
func ValidateKind(k Kind) error {
	if _, ok := validKinds[k]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, k)
	}
	return nil
}

// GenerateSlug creates a URL-safe slug from a name.
func GenerateSlug(name string) string {
	slug := strings.ToLower(name)

	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")

	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	slug = result.String()

	slug = strings.Trim(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}

	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
		slug = strings.TrimRight(slug, "-")
	}

	return slug
}

// GenerateID creates a new UUID for a device.
func GenerateID() string {
	return uuid.New().String()
}
