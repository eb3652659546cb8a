package versioning

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified on the response.
func SetVersionHeaders(c echo.Context, version int, lastModified time.Time) {
	c.Response().Header().Set("ETag", FormatETag(version))
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// CheckIfNoneMatch reports whether the client already holds currentVersion,
// in which case 304 Not Modified should be returned. A list of tags and the
// "*" wildcard are honored.
func CheckIfNoneMatch(c echo.Context, currentVersion int) bool {
	header := c.Request().Header.Get("If-None-Match")
	if header == "" {
		return false
	}
	for _, tag := range strings.Split(header, ",") {
		if strings.TrimSpace(tag) == "*" {
			return true
		}
		if v, err := ParseETag(tag); err == nil && v == currentVersion {
			return true
		}
	}
	return false
}
