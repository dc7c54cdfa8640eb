package configurator

import (
	"fmt"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// maxDomainNameLen is the maximum total length of a validated DNS name.
const maxDomainNameLen = 256

// maxLabelLen is the maximum length of a single DNS label.
const maxLabelLen = 63

// validateDomainName checks that s is a label-separated DNS name safe to
// hand to the configurator: every label is 1 to 63 bytes of letters, digits,
// hyphens, and underscores, with neither hyphen nor underscore at a label
// boundary.
func validateDomainName(s string) (err error) {
	defer func() { err = errors.Annotate(err, "validating %q: %w", s) }()

	if s == "" {
		return errors.ErrEmptyValue
	} else if len(s) > maxDomainNameLen {
		return fmt.Errorf("too long: %d bytes", len(s))
	}

	for _, label := range strings.Split(strings.TrimSuffix(s, "."), ".") {
		err = validateLabel(label)
		if err != nil {
			// Don't wrap the error since it's informative enough as is.
			return err
		}
	}

	return nil
}

// validateLabel checks a single DNS label.
func validateLabel(label string) (err error) {
	if label == "" {
		return errors.Error("empty label")
	} else if len(label) > maxLabelLen {
		return fmt.Errorf("label %q too long", label)
	}

	for i := range len(label) {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9':
			// Always allowed.
		case c == '-' || c == '_':
			if i == 0 || i == len(label)-1 {
				return fmt.Errorf("label %q starts or ends with %q", label, c)
			}
		default:
			return fmt.Errorf("label %q has bad byte %q", label, c)
		}
	}

	return nil
}

// rootPathBytes is the printable subset allowed in a root-path value.
const rootPathBytes = `#%+-_:.,@~\/[]= `

// validateRootPath checks that s only contains the printable subset allowed
// for the root-path option.
func validateRootPath(s string) (err error) {
	defer func() { err = errors.Annotate(err, "validating root path %q: %w", s) }()

	for i := range len(s) {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			strings.IndexByte(rootPathBytes, c) >= 0:
			// Allowed.
		default:
			return fmt.Errorf("bad byte %q", c)
		}
	}

	return nil
}

// validatePrintable rejects control bytes, which would let a hostile server
// smuggle newlines into the child environment.
func validatePrintable(s string) (err error) {
	for i := range len(s) {
		if s[i] < 0x20 || s[i] == 0x7F {
			return fmt.Errorf("bad byte %q", s[i])
		}
	}

	return nil
}
