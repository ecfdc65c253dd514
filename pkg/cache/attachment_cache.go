package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	"github.com/pkg/errors"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/logger"
)

// Attachment type categories used as the first path segment on disk.
const (
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
)

// CachedAttachment is the metadata for one stored attachment. The same
// struct is serialized to the JSON sidecar next to the content file, which
// is what makes the store survive restarts.
type CachedAttachment struct {
	ID          string `json:"attachment_id"`
	Type        string `json:"attachment_type"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	Extension   string `json:"extension"`
	URL         string `json:"url,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	StoredAt    int64  `json:"stored_at"` // ms since epoch
	Processable bool   `json:"processable"`
}

// AttachmentCache tracks attachments stored on disk under
// <storage_dir>/<type>/<id>/<id>.<ext> with an <id>.json sidecar.
type AttachmentCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedAttachment

	storageDir string
	maxAge     time.Duration
	maxTotal   int
	interval   time.Duration
}

// NewAttachmentCache builds the cache and creates the storage directory.
func NewAttachmentCache(cfg config.AttachmentsConfig) (*AttachmentCache, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating attachment storage dir")
	}
	return &AttachmentCache{
		entries:    make(map[string]*CachedAttachment),
		storageDir: cfg.StorageDir,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		maxTotal:   cfg.MaxTotalAttachments,
		interval:   time.Duration(cfg.CleanupIntervalHours) * time.Hour,
	}, nil
}

// Dir returns the directory holding one attachment's files.
func (c *AttachmentCache) Dir(att *CachedAttachment) string {
	return filepath.Join(c.storageDir, att.Type, att.ID)
}

// FilePath returns the content file path for an attachment.
func (c *AttachmentCache) FilePath(att *CachedAttachment) string {
	name := att.ID
	if att.Extension != "" {
		name += "." + att.Extension
	}
	return filepath.Join(c.Dir(att), name)
}

// MetadataPath returns the JSON sidecar path for an attachment.
func (c *AttachmentCache) MetadataPath(att *CachedAttachment) string {
	return filepath.Join(c.Dir(att), att.ID+".json")
}

// Get returns the attachment metadata, or nil when unknown.
func (c *AttachmentCache) Get(id string) *CachedAttachment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id]
}

// Len reports the number of tracked attachments.
func (c *AttachmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Store writes the content and sidecar to disk and registers the entry.
// Non-processable attachments get a sidecar only; content is never written.
func (c *AttachmentCache) Store(att *CachedAttachment, content []byte) error {
	if att.StoredAt == 0 {
		att.StoredAt = time.Now().UnixMilli()
	}
	if err := os.MkdirAll(c.Dir(att), 0o755); err != nil {
		return errors.Wrap(err, "creating attachment dir")
	}
	if att.Processable && content != nil {
		if err := os.WriteFile(c.FilePath(att), content, 0o644); err != nil {
			return errors.Wrap(err, "writing attachment content")
		}
	}
	raw, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding attachment metadata")
	}
	if err := os.WriteFile(c.MetadataPath(att), raw, 0o644); err != nil {
		return errors.Wrap(err, "writing attachment metadata")
	}

	c.mu.Lock()
	c.entries[att.ID] = att
	c.mu.Unlock()
	return nil
}

// Read returns the stored content bytes for an attachment.
func (c *AttachmentCache) Read(att *CachedAttachment) ([]byte, error) {
	raw, err := os.ReadFile(c.FilePath(att))
	if err != nil {
		return nil, errors.Wrap(err, "reading attachment content")
	}
	return raw, nil
}

// Remove deletes the attachment's directory and forgets the entry.
func (c *AttachmentCache) Remove(id string) error {
	c.mu.Lock()
	att, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(c.Dir(att)); err != nil {
		return errors.Wrap(err, "removing attachment dir")
	}
	return nil
}

// Rehydrate scans the storage directory for JSON sidecars and rebuilds the
// in-memory index. Called once at startup, before any maintenance runs.
func (c *AttachmentCache) Rehydrate() (int, error) {
	loaded := 0
	err := filepath.WalkDir(c.storageDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.WarnCF("cache", "Skipping unreadable attachment sidecar", map[string]any{
				"path": path, "error": err.Error(),
			})
			return nil
		}
		var att CachedAttachment
		if err := json.Unmarshal(raw, &att); err != nil || att.ID == "" {
			logger.WarnCF("cache", "Skipping malformed attachment sidecar", map[string]any{
				"path": path,
			})
			return nil
		}
		c.mu.Lock()
		c.entries[att.ID] = &att
		c.mu.Unlock()
		loaded++
		return nil
	})
	if err != nil {
		return loaded, errors.Wrap(err, "scanning attachment storage")
	}
	logger.InfoCF("cache", "Rehydrated attachment index", map[string]any{
		"count": loaded, "dir": c.storageDir,
	})
	return loaded, nil
}

// RunMaintenance sweeps periodically until ctx is cancelled.
func (c *AttachmentCache) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep deletes attachments past the age limit, then the oldest ones past
// the count limit.
func (c *AttachmentCache) Sweep() {
	c.mu.Lock()
	all := make([]*CachedAttachment, 0, len(c.entries))
	for _, att := range c.entries {
		all = append(all, att)
	}
	c.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StoredAt < all[j].StoredAt })

	var expired []*CachedAttachment
	if c.maxAge > 0 {
		cutoff := time.Now().Add(-c.maxAge).UnixMilli()
		for _, att := range all {
			if att.StoredAt < cutoff {
				expired = append(expired, att)
			}
		}
	}
	remaining := len(all) - len(expired)
	if c.maxTotal > 0 && remaining > c.maxTotal {
		over := remaining - c.maxTotal
		for _, att := range all[len(expired):] {
			if over == 0 {
				break
			}
			expired = append(expired, att)
			over--
		}
	}
	for _, att := range expired {
		if err := c.Remove(att.ID); err != nil {
			logger.WarnCF("cache", "Failed to remove attachment", map[string]any{
				"attachment_id": att.ID, "error": err.Error(),
			})
		}
	}
	if len(expired) > 0 {
		logger.DebugCF("cache", "Attachment cache maintenance completed", map[string]any{
			"removed": len(expired), "remaining": c.Len(),
		})
	}
}

// DetectType sniffs content bytes to determine the attachment category,
// extension, and MIME type, falling back to the filename extension when the
// bytes are unrecognized.
func DetectType(content []byte, filename string) (category, extension, mimeType string) {
	if kind, err := filetype.Match(content); err == nil && kind != types.Unknown {
		return categoryOf(kind.MIME.Type), kind.Extension, kind.MIME.Value
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp", "bmp":
		return TypeImage, ext, "image/" + ext
	case "mp4", "mov", "webm", "avi", "mkv":
		return TypeVideo, ext, "video/" + ext
	case "mp3", "ogg", "wav", "flac", "m4a":
		return TypeAudio, ext, "audio/" + ext
	case "":
		return TypeDocument, "bin", "application/octet-stream"
	default:
		return TypeDocument, ext, "application/octet-stream"
	}
}

func categoryOf(mimeMajor string) string {
	switch mimeMajor {
	case "image":
		return TypeImage
	case "video":
		return TypeVideo
	case "audio":
		return TypeAudio
	default:
		return TypeDocument
	}
}
