// Package attachment validates and normalizes job attachments before they
// are assembled into a MIME message. Every attachment leaves this package
// as base64 content with a resolved MIME type; file paths never survive
// processing.
package attachment

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ignite/mailqueue/internal/domain"
)

// DefaultMaxSize is the per-attachment decoded size cap (25 MiB).
const DefaultMaxSize = 25 << 20

// invalidFilenameChars are rejected in attachment filenames. Path
// separators are covered separately.
const invalidFilenameChars = `<>:"|?*`

// mimeByExtension maps common extensions to MIME types. Anything not
// listed falls back to application/octet-stream.
var mimeByExtension = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".html": "text/html",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".zip":  "application/zip",
	".rar":  "application/vnd.rar",
	".7z":   "application/x-7z-compressed",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".json": "application/json",
	".xml":  "application/xml",
}

// ValidationError describes why one attachment was rejected.
type ValidationError struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("attachment %q: %s", e.Filename, e.Reason)
}

// Result is the outcome of processing a job's attachment list. A job with
// any ValidationErrors must fail; Processed holds the normalized survivors.
type Result struct {
	Processed        []domain.Attachment
	ValidationErrors []ValidationError
	TotalSize        int64
}

// OK reports whether every attachment passed validation.
func (r *Result) OK() bool {
	return len(r.ValidationErrors) == 0
}

// Processor validates and normalizes attachments.
type Processor struct {
	maxSize int64
}

// NewProcessor creates a processor with the given per-attachment size cap
// in bytes. Non-positive caps fall back to DefaultMaxSize.
func NewProcessor(maxSize int64) *Processor {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Processor{maxSize: maxSize}
}

// Process validates each attachment independently. One bad attachment does
// not stop the rest from being examined; the caller decides job fate from
// Result.OK.
func (p *Processor) Process(attachments []domain.Attachment) *Result {
	result := &Result{}
	for _, att := range attachments {
		processed, err := p.processOne(att)
		if err != nil {
			result.ValidationErrors = append(result.ValidationErrors, ValidationError{
				Filename: att.Filename,
				Reason:   err.Error(),
			})
			continue
		}
		result.Processed = append(result.Processed, *processed)
		result.TotalSize += int64(base64.StdEncoding.DecodedLen(len(processed.Base64Content)))
	}
	return result
}

func (p *Processor) processOne(att domain.Attachment) (*domain.Attachment, error) {
	if err := validateFilename(att.Filename); err != nil {
		return nil, err
	}

	hasContent := att.Base64Content != ""
	hasPath := att.FilePath != ""
	if hasContent == hasPath {
		return nil, fmt.Errorf("exactly one of content or file path required")
	}

	var raw []byte
	if hasContent {
		decoded, err := base64.StdEncoding.DecodeString(att.Base64Content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %v", err)
		}
		raw = decoded
	} else {
		data, err := os.ReadFile(att.FilePath)
		if err != nil {
			return nil, fmt.Errorf("read file: %v", err)
		}
		raw = data
	}

	if int64(len(raw)) > p.maxSize {
		return nil, fmt.Errorf("size %d exceeds limit %d", len(raw), p.maxSize)
	}

	out := att
	out.Base64Content = base64.StdEncoding.EncodeToString(raw)
	// The path must not leave the worker.
	out.FilePath = ""
	out.ContentType = resolveContentType(att.ContentType, att.Filename)
	return &out, nil
}

func validateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty filename")
	}
	if strings.ContainsAny(name, invalidFilenameChars) {
		return fmt.Errorf("filename contains invalid characters")
	}
	if strings.ContainsAny(name, "/\\") || name != filepath.Base(name) {
		return fmt.Errorf("filename must not contain path separators")
	}
	return nil
}

// resolveContentType prefers a well-formed provided type, then the
// extension mapping, then the octet-stream fallback.
func resolveContentType(provided, filename string) string {
	if provided != "" && strings.Count(provided, "/") == 1 && !strings.ContainsAny(provided, " \t") {
		return provided
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if mime, ok := mimeByExtension[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}
