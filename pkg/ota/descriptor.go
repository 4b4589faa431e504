package ota

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Version is an application version. Revision does not take part in ordering.
type Version struct {
	Major    uint16
	Minor    uint16
	Build    uint16
	Revision uint16
}

// ParseVersion reads "major.minor.build" with an optional ".revision".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 3 || len(parts) > 4 {
		return Version{}, errors.Errorf("version %q is not major.minor.build", s)
	}
	var fields [4]uint16
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return Version{}, errors.Wrapf(err, "version %q", s)
		}
		fields[i] = uint16(n)
	}
	return Version{Major: fields[0], Minor: fields[1], Build: fields[2], Revision: fields[3]}, nil
}

// Newer reports whether v is strictly newer than o by major, then minor, then
// build.
func (v Version) Newer(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Build > o.Build
}

func (v Version) String() string {
	if v.Revision != 0 {
		return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// Descriptor identifies an application image. It is read-only once parsed.
type Descriptor struct {
	AppID     string
	Version   Version
	Slot      int
	CompanyID string
	ProductID string
	Board     string
	// SHA256 is the expected hex digest of the image, empty when unknown.
	SHA256 string
}
