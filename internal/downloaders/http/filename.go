package ferryhttp

import (
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultFilename = "download.bin"
	emptyFilename   = "file.bin"
	maxNameBytes    = 200
	maxExtBytes     = 16
)

var (
	reservedChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1F\x7F]`)
	separatorRuns = regexp.MustCompile(`[\s_]{2,}`)
	dispositionRe = regexp.MustCompile(`(?i)filename\*=UTF-8''([^;]+)|filename="([^"]+)"|filename=([^;]+)`)
	percentEscape = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	nameQueryKeys = []string{"filename", "file", "name", "download", "dl"}
)

// SanitizeFilename turns an arbitrary hint into a single safe path component.
// It is idempotent: SanitizeFilename(SanitizeFilename(x)) == SanitizeFilename(x).
func SanitizeFilename(name string) string {
	name = percentDecode(name)
	name = strings.ToValidUTF8(name, "_")
	name = reservedChars.ReplaceAllString(name, "_")
	name = strings.Map(replaceControl, name)
	name = separatorRuns.ReplaceAllString(name, " ")
	name = strings.Trim(name, " .")
	name = clampName(name, maxNameBytes)
	if name == "" {
		return emptyFilename
	}
	return name
}

// replaceControl covers what reservedChars cannot: C1 controls and the
// bidi overrides that make a name render differently from its bytes.
func replaceControl(r rune) rune {
	if unicode.IsControl(r) || unicode.Is(unicode.Bidi_Control, r) {
		return '_'
	}
	return r
}

// percentDecode unescapes valid %XX sequences until none are left; invalid
// escapes are kept as-is. Each round shortens the string, so it terminates.
func percentDecode(s string) string {
	for percentEscape.MatchString(s) {
		s = percentEscape.ReplaceAllStringFunc(s, func(esc string) string {
			b, _ := strconv.ParseUint(esc[1:], 16, 8)
			return string([]byte{byte(b)})
		})
	}
	return s
}

func clampName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > maxExtBytes || len(ext) == len(name) {
		ext = ""
	}
	stem := truncateBytes(name[:len(name)-len(ext)], limit-len(ext))
	stem = strings.TrimRight(stem, " .")
	if stem == "" {
		return strings.TrimRight(truncateBytes(name, limit), " .")
	}
	return stem + ext
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// NameFromDisposition extracts the filename parameter of a Content-Disposition
// header, preferring the RFC 5987 filename* form. Returns "" when absent.
func NameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		// mime decodes filename* into the filename key
		if fn := strings.TrimSpace(params["filename"]); fn != "" {
			return fn
		}
	}
	m := dispositionRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	for _, group := range m[1:] {
		if group == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(group); err == nil {
			group = unescaped
		}
		return strings.Trim(strings.TrimSpace(group), `"`)
	}
	return ""
}

// NameFromLocator looks for a filename in well-known query keys, then in the
// last path segment of the locator.
func NameFromLocator(locator string) string {
	parsed, err := url.Parse(locator)
	if err != nil {
		return ""
	}
	query := parsed.Query()
	for _, key := range nameQueryKeys {
		if v := strings.TrimSpace(query.Get(key)); v != "" {
			return v
		}
	}
	p := strings.TrimRight(parsed.Path, "/")
	if p == "" {
		return ""
	}
	base := path.Base(p)
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// ResolveName picks the destination name: disposition hint, then the
// locator, then fallback. The result is always sanitized.
func ResolveName(hint, locator, fallback string) string {
	if hint != "" {
		return SanitizeFilename(hint)
	}
	if name := NameFromLocator(locator); name != "" {
		return SanitizeFilename(name)
	}
	if fallback == "" {
		fallback = DefaultFilename
	}
	return SanitizeFilename(fallback)
}
