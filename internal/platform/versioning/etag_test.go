package versioning

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"12"`, 12, false},
		{` 7 `, 7, false},
		{`W/"abc"`, 0, true},
		{``, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseETag(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseETag(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseETag(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatETag(t *testing.T) {
	if got := FormatETag(5); got != `W/"5"` {
		t.Errorf("expected W/\"5\", got %s", got)
	}
}

func newContext(ifNoneMatch string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestCheckIfNoneMatch(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{`W/"4"`, true},
		{`W/"3"`, false},
		{`W/"1", W/"4"`, true},
		{`*`, true},
		{`garbage`, false},
	}
	for _, tt := range tests {
		c, _ := newContext(tt.header)
		if got := CheckIfNoneMatch(c, 4); got != tt.want {
			t.Errorf("CheckIfNoneMatch(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestSetVersionHeaders(t *testing.T) {
	c, rec := newContext("")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	SetVersionHeaders(c, 9, at)

	if got := rec.Header().Get("ETag"); got != `W/"9"` {
		t.Errorf("expected ETag W/\"9\", got %s", got)
	}
	if got := rec.Header().Get("Last-Modified"); got != "Sun, 01 Mar 2026 10:00:00 GMT" {
		t.Errorf("unexpected Last-Modified %q", got)
	}
}
