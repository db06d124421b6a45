// Package scan holds the request handling shared by the edge and origin
// redirect handlers: caller metadata, geo hints, organization from the host,
// UTM passthrough and the diagnostic page.
package scan

import (
	"embed"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
	"github.com/Nixie-Tech-LLC/bandtap/internal/redirect"
)

// Geo hint headers set by the edge platform and forwarded to the origin.
const (
	HeaderLatitude  = "X-Geo-Latitude"
	HeaderLongitude = "X-Geo-Longitude"
	HeaderCountry   = "X-Geo-Country"
	HeaderCity      = "X-Geo-City"
)

const (
	TierEdge   = "edge"
	TierOrigin = "origin"
)

// Query is the /e request.
type Query struct {
	BandID  string `form:"bandId" binding:"required"`
	EventID string `form:"eventId"`
	Org     string `form:"org"`
}

// Position returns the caller coordinates from the lat/lng query parameters,
// else from the geo headers. Invalid or partial pairs are ignored.
func Position(c *gin.Context) *redirect.Point {
	if p, ok := point(c.Query("lat"), c.Query("lng")); ok {
		return p
	}
	if p, ok := point(c.GetHeader(HeaderLatitude), c.GetHeader(HeaderLongitude)); ok {
		return p
	}
	return nil
}

func point(lat, lng string) (*redirect.Point, bool) {
	if lat == "" || lng == "" {
		return nil, false
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, false
	}
	lo, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return nil, false
	}
	p := redirect.Point{Lat: la, Lng: lo}
	if !p.Valid() {
		return nil, false
	}
	return &p, true
}

// Meta collects the request metadata stored with a tap.
func Meta(c *gin.Context, tier string) model.RequestMeta {
	m := model.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Referer:   c.Request.Referer(),
		Country:   c.GetHeader(HeaderCountry),
		City:      c.GetHeader(HeaderCity),
		Tier:      tier,
	}
	if p := Position(c); p != nil {
		m.Latitude, m.Longitude = &p.Lat, &p.Lng
	}
	return m
}

// OrgSlug names the organization of a scan: the org query parameter, else the
// first label of the host (tour.bands.example.com → tour).
func OrgSlug(c *gin.Context) string {
	if org := strings.TrimSpace(c.Query("org")); org != "" {
		return strings.ToLower(org)
	}
	host := c.GetHeader("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 || labels[0] == "www" {
		return ""
	}
	return strings.ToLower(labels[0])
}

// WithUTM copies the utm_* parameters of the scan onto the destination,
// keeping any the destination already sets.
func WithUTM(target string, q url.Values) string {
	var utm url.Values
	for k, v := range q {
		if strings.HasPrefix(k, "utm_") && len(v) > 0 {
			if utm == nil {
				utm = url.Values{}
			}
			utm[k] = v
		}
	}
	if utm == nil {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	dst := u.Query()
	for k, v := range utm {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	u.RawQuery = dst.Encode()
	return u.String()
}

// Redirect sends the 302 for a resolved destination.
func Redirect(c *gin.Context, target string) {
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, WithUTM(target, c.Request.URL.Query()))
}

//go:embed templates/*.html
var templateFS embed.FS

const DiagnosticTemplate = "diagnostic.html"

// Templates parses the pages served by the redirect handlers.
func Templates() *template.Template {
	return template.Must(template.New("").ParseFS(templateFS, "templates/*.html"))
}

// DiagnosticPage is what an operator sees instead of a redirect.
type DiagnosticPage struct {
	Tier     string
	Tag      string
	Operator string
	URL      string
	Note     string
	Outcome  string
	EventID  string
	Mode     string
	Strategy string
	Flagged  bool
	Steps    []string
}

func RenderDiagnostic(c *gin.Context, page DiagnosticPage) {
	c.Header("Cache-Control", "no-store")
	c.HTML(http.StatusOK, DiagnosticTemplate, page)
}
