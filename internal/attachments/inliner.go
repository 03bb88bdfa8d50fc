// Package attachments folds uploaded-file references into prompt text.
package attachments

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/threadgate/pkg/models"
)

// Kind partitions attachments for rendering.
type Kind string

const (
	KindDocument Kind = "document"
	KindText     Kind = "text"
	KindImage    Kind = "image"
)

// Result is the inlined prompt text and what happened to each reference.
type Result struct {
	Content  string
	Inlined  int
	Skipped  []string
	Rendered []Rendered
}

// Rendered is one attachment that made it into the text.
type Rendered struct {
	Ref  models.AttachmentRef
	Kind Kind
	URL  string
}

// Inliner resolves attachment references and appends them to message text.
type Inliner struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewInliner creates an inliner. A nil resolver omits every attachment.
func NewInliner(resolver Resolver, logger *slog.Logger) *Inliner {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inliner{resolver: resolver, logger: logger.With("component", "attachments")}
}

// Inline appends document, text-file and image blocks, in that order, to
// text. References whose URL cannot be resolved are left out of the text
// and reported in Result.Skipped.
func (i *Inliner) Inline(ctx context.Context, text string, refs []models.AttachmentRef) Result {
	res := Result{Content: text}
	if len(refs) == 0 {
		return res
	}

	groups := map[Kind][]Rendered{}
	for _, ref := range refs {
		if strings.TrimSpace(ref.StorageRef) == "" {
			res.Skipped = append(res.Skipped, ref.StorageRef)
			continue
		}
		url, err := i.resolver.ResolveURL(ctx, ref.StorageRef)
		if err != nil || url == "" {
			i.logger.Warn("attachment url unavailable", "storage_ref", ref.StorageRef, "error", err)
			res.Skipped = append(res.Skipped, ref.StorageRef)
			continue
		}
		kind := Classify(ref)
		groups[kind] = append(groups[kind], Rendered{Ref: ref, Kind: kind, URL: url})
	}

	blocks := []string{}
	if strings.TrimSpace(text) != "" {
		blocks = append(blocks, text)
	}
	for _, kind := range []Kind{KindDocument, KindText, KindImage} {
		entries := groups[kind]
		if len(entries) == 0 {
			continue
		}
		blocks = append(blocks, i.renderBlock(ctx, kind, entries))
		res.Rendered = append(res.Rendered, entries...)
	}
	res.Inlined = len(res.Rendered)
	res.Content = strings.Join(blocks, "\n\n")
	return res
}

func (i *Inliner) renderBlock(ctx context.Context, kind Kind, entries []Rendered) string {
	var b strings.Builder
	switch kind {
	case KindDocument:
		b.WriteString("**Attached documents:**")
	case KindText:
		b.WriteString("**Attached text files:**")
	case KindImage:
		b.WriteString("**Attached images:**")
	}
	for _, entry := range entries {
		b.WriteString("\n")
		name := displayName(entry.Ref)
		if kind == KindImage {
			fmt.Fprintf(&b, "- ![%s](%s)", name, entry.URL)
		} else {
			fmt.Fprintf(&b, "- [%s](%s)", name, entry.URL)
		}
		details := []string{"attachment id: " + entry.Ref.StorageRef}
		if entry.Ref.FileType != "" {
			details = append(details, entry.Ref.FileType)
		}
		if entry.Ref.FileSize > 0 {
			details = append(details, formatBytes(entry.Ref.FileSize))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
		if kind == KindDocument && entry.Ref.PreviewRef != "" {
			if preview, err := i.resolver.ResolveURL(ctx, entry.Ref.PreviewRef); err == nil && preview != "" {
				fmt.Fprintf(&b, " [preview](%s)", preview)
			}
		}
	}
	return b.String()
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".tsv": true,
	".json": true, ".yaml": true, ".yml": true, ".xml": true, ".log": true,
	".html": true, ".htm": true, ".sql": true, ".ini": true, ".toml": true,
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".svg": true, ".bmp": true, ".heic": true,
}

var textMediaTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/x-yaml":     true,
	"application/yaml":       true,
	"application/x-ndjson":   true,
	"application/javascript": true,
}

// Classify decides how an attachment is rendered, by media type first and
// file extension second.
func Classify(ref models.AttachmentRef) Kind {
	mediaType := strings.ToLower(strings.TrimSpace(ref.FileType))
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return KindImage
	case strings.HasPrefix(mediaType, "text/"), textMediaTypes[mediaType]:
		return KindText
	}

	ext := strings.ToLower(filepath.Ext(ref.FileName))
	switch {
	case imageExtensions[ext]:
		return KindImage
	case textExtensions[ext]:
		return KindText
	}
	return KindDocument
}

func displayName(ref models.AttachmentRef) string {
	name := strings.TrimSpace(ref.FileName)
	if name == "" {
		name = filepath.Base(ref.StorageRef)
	}
	return strings.NewReplacer("[", "(", "]", ")").Replace(name)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
