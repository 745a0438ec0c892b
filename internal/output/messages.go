package output

import (
	"fmt"
	"strings"

	"github.com/tanq16/ferry/internal/utils"
)

const barWidth = 12

// ProgressBlock renders a compact three-line progress block. The bar stays
// empty while the total is unknown.
func ProgressBlock(p utils.Progress) string {
	pct := max(0, min(p.Percent(), 100))
	filled := 0
	if p.Total > 0 {
		filled = max(0, min(barWidth, int(pct/100*barWidth)))
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	total := "?"
	if p.Total >= 0 {
		total = fmt.Sprintf("%.2f", float64(p.Total)/(1024*1024))
	}
	return fmt.Sprintf("[%s] %.1f%%\n%.2f/%s MB\nSpeed: %s",
		bar, pct, float64(p.Done)/(1024*1024), total, utils.FormatRate(p.Rate))
}

func QueueAck(n int) string {
	return fmt.Sprintf("Queued %d source(s) for processing", n)
}

func SourceReceived(locator string) string {
	return fmt.Sprintf("Source received %s %s", StyleSymbols["arrow"], locator)
}

func Downloading(kind utils.SourceKind) string {
	switch kind {
	case utils.SourceS3:
		return "Downloading from S3"
	case utils.SourceMedia:
		return "Downloading media"
	default:
		return "Downloading from URL"
	}
}

func DownloadProgress(kind utils.SourceKind, p utils.Progress) string {
	return Downloading(kind) + "\n" + ProgressBlock(p)
}

func UploadStart() string {
	return "Uploading to GoFile"
}

func UploadProgress(p utils.Progress) string {
	return UploadStart() + "\n" + ProgressBlock(p)
}

func UploadSuccess(filename string, size int64, link, contentID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Uploaded %s (%.2f MB) %s %s", filename, float64(size)/(1024*1024), StyleSymbols["arrow"], link)
	if contentID != "" {
		fmt.Fprintf(&b, " [content %s]", contentID)
	}
	return b.String()
}

func Failure(stage utils.Stage, detail string) string {
	label := "Transfer"
	if stage != "" {
		label = strings.ToUpper(string(stage[:1])) + string(stage[1:])
	}
	return fmt.Sprintf("%s failed: %s", label, utils.TruncateDetail(detail, utils.DetailLimit))
}

func AllExhausted() string {
	return "No available GoFile accounts: all accounts look exhausted or blocked, try again later"
}

// StatsReport describes one account candidate. used and limit are only
// shown when known.
func StatsReport(index int, accountID string, used, limit int64, known bool) string {
	lines := []string{fmt.Sprintf("Account candidate index: %d", index)}
	if accountID != "" {
		lines = append(lines, "Account ID: "+accountID)
	}
	if known && limit > 0 {
		gb := float64(1 << 30)
		lines = append(lines, fmt.Sprintf("Monthly traffic: %.2f / %.2f GB", float64(used)/gb, float64(limit)/gb))
	} else {
		lines = append(lines, "Usage info is limited for free accounts")
	}
	return strings.Join(lines, "\n")
}
