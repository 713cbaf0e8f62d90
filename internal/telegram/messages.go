package telegram

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/user/wallbot/internal/storage"
)

const (
	maxCaptionTags        = 12
	maxDescriptionRunes   = 200
	markdownV2SpecialChar = "_*[]()~`>#+-=|{}.!\\"
)

// escapeMarkdown escapes text for MarkdownV2.
func escapeMarkdown(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(markdownV2SpecialChar, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeLinkURL escapes the (...) part of a MarkdownV2 inline link.
func escapeLinkURL(u string) string {
	return strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(u)
}

// escapeCode escapes the content of a MarkdownV2 code span.
func escapeCode(text string) string {
	return strings.NewReplacer(`\`, `\\`, "`", "\\`").Replace(text)
}

func markdownLink(text, u string) string {
	if u == "" {
		return escapeMarkdown(text)
	}
	return fmt.Sprintf("[%s](%s)", escapeMarkdown(text), escapeLinkURL(u))
}

// hashtag turns a tag into a hashtag body, or "" when the tag cannot be one.
// Only letters, digits and underscores are kept; spaces and hyphens become underscores.
func hashtag(tag string) string {
	t := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(tag))
	if t == "" {
		return ""
	}
	for _, r := range t {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ""
		}
	}
	return t
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

// BuildCaption renders the MarkdownV2 photo caption of a wallpaper.
func BuildCaption(w *storage.Wallpaper) string {
	var b strings.Builder

	if w.Safety == storage.SafetyNSFW {
		b.WriteString("🔞 ")
	}
	b.WriteString("📸 *精选壁纸*")
	if desc := strings.TrimSpace(w.Description); desc != "" {
		b.WriteString(" _" + escapeMarkdown(truncate(desc, maxDescriptionRunes)) + "_")
	}
	b.WriteString("\n\n")

	b.WriteString("🔗 _来源_：" + markdownLink(string(w.Source), w.PageURL) + "\n")
	if w.Author != "" {
		b.WriteString("👨‍🎨 _作者_：" + markdownLink(w.Author, w.AuthorURL) + "\n")
	}
	if w.Width > 0 && w.Height > 0 {
		b.WriteString(fmt.Sprintf("📏 _分辨率_：`%d × %d`\n", w.Width, w.Height))
	}
	if w.Size > 0 {
		b.WriteString("💾 _大小_：`" + escapeCode(formatFileSize(w.Size)) + "`\n")
	}

	var tags []string
	for _, t := range w.Tags {
		if h := hashtag(t); h != "" {
			tags = append(tags, "\\#"+escapeMarkdown(h))
		}
		if len(tags) == maxCaptionTags {
			break
		}
	}
	if len(tags) == 0 {
		b.WriteString("🏷️ _标签_：无标签")
	} else {
		b.WriteString("🏷️ _标签_：" + strings.Join(tags, " "))
	}

	return b.String()
}

// formatFileSize formats a byte count the way the captions show it.
func formatFileSize(size int64) string {
	if size >= 1<<20 {
		return fmt.Sprintf("%.1f MB", float64(size)/(1<<20))
	}
	return fmt.Sprintf("%.0f KB", float64(size)/1024)
}

// formatDuration formats a duration to a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%d天 %d小时 %d分钟", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%d小时 %d分钟", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%d分钟 %d秒", minutes, seconds)
	}
	return fmt.Sprintf("%d秒", seconds)
}
