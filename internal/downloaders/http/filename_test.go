package ferryhttp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		`a/b\c:d.txt`:          "a_b_c_d.txt",
		"  ..hidden name.. ":   "hidden name",
		"x  __ y.mp4":          "x y.mp4",
		"tab\there.txt":        "tab_here.txt",
		"a\u0085b.txt":         "a_b.txt",
		"\u202Etxt.exe":        "_txt.exe",
		"left\u200Eright.pdf":  "left_right.pdf",
		`what?"<>|*.bin`:       "what .bin",
		"%41bc.txt":            "Abc.txt",
		"":                     "file.bin",
		"...":                  "file.bin",
		"plain-name_v2.tar.gz": "plain-name_v2.tar.gz",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestSanitizeFilenameClampsKeepingExtension(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("a", 300) + ".mp4")
	assert.Len(t, got, maxNameBytes)
	assert.True(t, strings.HasSuffix(got, ".mp4"))

	longExt := SanitizeFilename("name." + strings.Repeat("x", 250))
	assert.LessOrEqual(t, len(longExt), maxNameBytes)

	multibyte := SanitizeFilename(strings.Repeat("é", 150))
	assert.LessOrEqual(t, len(multibyte), maxNameBytes)
	assert.True(t, strings.HasPrefix(multibyte, "é"))
	assert.NotContains(t, multibyte, "�")
}

func TestSanitizeFilenameIdempotent(t *testing.T) {
	inputs := []string{
		`a/b\c:d.txt`, "  ..hidden.. ", "x  __ y", "%2541", "%zz%41",
		strings.Repeat("b", 199) + " .txt", strings.Repeat("é", 150) + ".mkv",
		"_ _ _", "a\x00b", "a\u0085\u202Eb", "normal.zip", "..", strings.Repeat("%41", 100) + "%zz",
	}
	for _, in := range inputs {
		once := SanitizeFilename(in)
		assert.Equal(t, once, SanitizeFilename(once), "input %q", in)
		assert.NotContains(t, once, "/")
		assert.NotEmpty(t, once)
	}
}

func TestNameFromDisposition(t *testing.T) {
	assert.Equal(t, "naïve file.txt", NameFromDisposition(`attachment; filename*=UTF-8''na%C3%AFve%20file.txt`))
	assert.Equal(t, "report.pdf", NameFromDisposition(`attachment; filename="report.pdf"`))
	assert.Equal(t, "new.bin", NameFromDisposition(`attachment; filename="old.bin"; filename*=UTF-8''new.bin`))
	assert.Equal(t, "", NameFromDisposition(""))
	assert.Equal(t, "", NameFromDisposition("inline"))
}

func TestResolveName(t *testing.T) {
	assert.Equal(t, "hint.iso", ResolveName("hint.iso", "https://host/other.bin", ""))
	assert.Equal(t, "my file.zip", ResolveName("", "https://host/get?filename=my%20file.zip", ""))
	assert.Equal(t, "video.mp4", ResolveName("", "https://host/path/video.mp4", ""))
	assert.Equal(t, "a b.txt", ResolveName("", "https://host/path/a%20b.txt", ""))
	assert.Equal(t, DefaultFilename, ResolveName("", "https://host/", ""))
	assert.Equal(t, "fallback.dat", ResolveName("", "https://host", "fallback.dat"))
}
