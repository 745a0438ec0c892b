package gofile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tanq16/ferry/internal/utils"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the fixed shape every upload reply is reduced to.
type Result struct {
	Status     Status
	Link       string
	ContentID  string
	Code       string
	Raw        map[string]any
	HTTPStatus int
}

func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Detail is a short description of a failed result for status output.
func (r Result) Detail() string {
	msg := ""
	if r.Raw != nil {
		if s, ok := r.Raw["status"].(string); ok {
			msg = s
		}
		if body, ok := r.Raw["body"].(string); ok && msg == "" {
			msg = body
		}
	}
	if r.HTTPStatus != 0 {
		msg = strings.TrimSpace(fmt.Sprintf("HTTP %d %s", r.HTTPStatus, msg))
	}
	return utils.TruncateDetail(msg, utils.DetailLimit)
}

// Accepted spellings, highest priority first. The upload API has renamed
// these fields more than once.
var (
	linkKeys      = []string{"downloadPage", "downloadUrl", "page", "link"}
	contentIDKeys = []string{"contentId", "id", "fileId"}
	codeKeys      = []string{"code", "parentFolderCode"}
)

// NormalizeResult reduces an upload reply to a Result. The payload is read
// from the "data" object when present, else from the top level. A bare
// share code is expanded with linkTemplate when no link was sent.
func NormalizeResult(httpStatus int, body []byte, linkTemplate string) Result {
	res := Result{Status: StatusError, HTTPStatus: httpStatus}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		res.Raw = map[string]any{"body": utils.TruncateDetail(string(body), utils.DetailLimit)}
		return res
	}
	res.Raw = raw

	payload := raw
	if data, ok := raw["data"].(map[string]any); ok {
		payload = data
	}
	res.Link = firstString(payload, linkKeys)
	res.ContentID = firstString(payload, contentIDKeys)
	res.Code = firstString(payload, codeKeys)
	if res.Link == "" && res.Code != "" && linkTemplate != "" {
		res.Link = fmt.Sprintf(linkTemplate, res.Code)
	}

	apiStatus, _ := raw["status"].(string)
	switch {
	case httpStatus < 200 || httpStatus >= 300:
	case strings.HasPrefix(strings.ToLower(apiStatus), "error"):
	case apiStatus == "ok", res.Link != "", res.ContentID != "":
		res.Status = StatusOK
	}
	return res
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s := stringValue(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// numberValue accepts JSON numbers and numeric strings.
func numberValue(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Float64()
		return int64(n), err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
