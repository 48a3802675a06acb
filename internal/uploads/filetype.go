package uploads

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"videosummary/internal/models"
)

const maxNameLength = 128

// extensionTypes maps allowed file extensions to their logical type.
// Anything outside this table is rejected as unsupported.
var extensionTypes = map[string]models.FileType{
	"mp4":  models.FileTypeVideo,
	"mkv":  models.FileTypeVideo,
	"webm": models.FileTypeVideo,
	"mov":  models.FileTypeVideo,
	"avi":  models.FileTypeVideo,
	"flv":  models.FileTypeVideo,
	"wmv":  models.FileTypeVideo,

	"mp3":  models.FileTypeAudio,
	"wav":  models.FileTypeAudio,
	"flac": models.FileTypeAudio,
	"aac":  models.FileTypeAudio,
	"m4a":  models.FileTypeAudio,
	"ogg":  models.FileTypeAudio,
	"wma":  models.FileTypeAudio,

	"srt": models.FileTypeSubtitle,
	"vtt": models.FileTypeSubtitle,
	"ass": models.FileTypeSubtitle,
	"ssa": models.FileTypeSubtitle,
	"sub": models.FileTypeSubtitle,
}

// SanitizeName reduces a client-supplied filename to a safe basename:
// Unicode-normalized, stripped of path separators and control characters,
// without leading dots, clamped to a fixed length. Returns an empty string
// when nothing safe remains.
func SanitizeName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))

	// Drop any directory part, whichever separator convention the client used.
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) || r == '/' || r == '\\' {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimLeft(b.String(), ".")

	if len(name) > maxNameLength {
		ext := filepath.Ext(name)
		if len(ext) >= maxNameLength {
			ext = ""
		}
		name = name[:maxNameLength-len(ext)] + ext
	}
	return name
}

// TypeForName derives the logical file type from the sanitized name's
// extension. The second return value is false for unknown extensions.
func TypeForName(name string) (models.FileType, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	fileType, ok := extensionTypes[ext]
	return fileType, ok
}

// typeForMIME maps a declared MIME type to a logical file type. The second
// return value is false when the MIME carries no usable signal, in which
// case the extension alone decides.
func typeForMIME(mimeType string) (models.FileType, bool) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	switch {
	case mimeType == "", mimeType == "application/octet-stream":
		return "", false
	case strings.HasPrefix(mimeType, "video/"):
		return models.FileTypeVideo, true
	case strings.HasPrefix(mimeType, "audio/"):
		return models.FileTypeAudio, true
	case mimeType == "application/x-subrip", mimeType == "text/vtt", mimeType == "text/srt":
		return models.FileTypeSubtitle, true
	case strings.HasPrefix(mimeType, "text/"):
		return models.FileTypeSubtitle, true
	default:
		return "", false
	}
}

// mimeMatches reports whether the declared MIME type agrees with the
// extension-derived file type. Subtitle uploads accept any MIME since text
// tooling rarely sets one correctly, and application/octet-stream is
// accepted for every type.
func mimeMatches(mimeType string, fileType models.FileType) bool {
	if fileType == models.FileTypeSubtitle {
		return true
	}
	derived, known := typeForMIME(mimeType)
	if !known {
		return true
	}
	return derived == fileType
}
