package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ServerVersion is the protocol version spoken by this server build.
var ServerVersion = Version{Major: 1, Minor: 2, Patch: 0}

// Version is a semantic protocol version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a "major.minor.patch" string. Anything other than
// exactly three dot-separated non-negative integers is malformed.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: version %q", ErrMalformed, s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: version %q", ErrMalformed, s)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether a client at cv can talk to a server at sv.
// Same major line, and the server must be at least as new on the minor:
// the server always understands an older-minor client.
func Compatible(client, server Version) bool {
	return client.Major == server.Major && server.Minor >= client.Minor
}
