// Package attachments moves attachment content between the platform and the
// on-disk store. Downloads are deduplicated so concurrent events referencing
// the same attachment hit the platform once; oversized attachments are
// recorded as metadata only and never downloaded.
package attachments

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/liaisonhq/liaison/pkg/cache"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"
)

// Downloader fetches platform attachments into the attachment cache.
type Downloader struct {
	client  platform.Client
	store   *cache.AttachmentCache
	maxSize int64
	group   singleflight.Group
}

// NewDownloader builds a downloader over the shared attachment cache.
func NewDownloader(client platform.Client, store *cache.AttachmentCache, maxSize int64) *Downloader {
	return &Downloader{client: client, store: store, maxSize: maxSize}
}

type fetched struct {
	att     *cache.CachedAttachment
	content []byte
}

// Fetch returns the attachment metadata and content, downloading on a cache
// miss. Oversized attachments return metadata with Processable false and nil
// content; that is not an error.
func (d *Downloader) Fetch(ctx context.Context, ref platform.AttachmentRef, messageID string) (*cache.CachedAttachment, []byte, error) {
	if att := d.store.Get(ref.AttachmentID); att != nil {
		if !att.Processable {
			return att, nil, nil
		}
		content, err := d.store.Read(att)
		if err != nil {
			// content file lost under us; fall through to re-download
			logger.WarnCF("attachments", "Cached content unreadable, re-downloading", map[string]any{
				"attachment_id": ref.AttachmentID,
				"error":         err.Error(),
			})
		} else {
			return att, content, nil
		}
	}

	v, err, _ := d.group.Do(ref.AttachmentID, func() (any, error) {
		return d.download(ctx, ref, messageID)
	})
	if err != nil {
		return nil, nil, err
	}
	result := v.(*fetched)
	return result.att, result.content, nil
}

func (d *Downloader) download(ctx context.Context, ref platform.AttachmentRef, messageID string) (*fetched, error) {
	if d.maxSize > 0 && ref.Size > d.maxSize {
		att := &cache.CachedAttachment{
			ID:          ref.AttachmentID,
			Type:        cache.TypeDocument,
			Filename:    ref.Filename,
			MimeType:    ref.MimeType,
			Size:        ref.Size,
			URL:         ref.URL,
			MessageID:   messageID,
			Processable: false,
		}
		if cat, ext, _ := cache.DetectType(nil, ref.Filename); cat != "" {
			att.Type = cat
			att.Extension = ext
		}
		if err := d.store.Store(att, nil); err != nil {
			return nil, errdefs.WrapTransient(err, "recording oversized attachment")
		}
		logger.InfoCF("attachments", "Attachment exceeds size limit, storing metadata only", map[string]any{
			"attachment_id": ref.AttachmentID,
			"size":          ref.Size,
			"limit":         d.maxSize,
		})
		return &fetched{att: att}, nil
	}

	content, err := d.client.DownloadAttachment(ctx, ref)
	if err != nil {
		return nil, errdefs.WrapTransient(err, "downloading attachment")
	}
	if d.maxSize > 0 && int64(len(content)) > d.maxSize {
		// size was unknown until download completed
		att := &cache.CachedAttachment{
			ID: ref.AttachmentID, Type: cache.TypeDocument,
			Filename: ref.Filename, MimeType: ref.MimeType,
			Size: int64(len(content)), URL: ref.URL,
			MessageID: messageID, Processable: false,
		}
		if err := d.store.Store(att, nil); err != nil {
			return nil, errdefs.WrapTransient(err, "recording oversized attachment")
		}
		return &fetched{att: att}, nil
	}

	category, ext, mime := cache.DetectType(content, ref.Filename)
	if ref.MimeType != "" {
		mime = ref.MimeType
	}
	att := &cache.CachedAttachment{
		ID:          ref.AttachmentID,
		Type:        category,
		Filename:    ref.Filename,
		MimeType:    mime,
		Size:        int64(len(content)),
		Extension:   ext,
		URL:         ref.URL,
		MessageID:   messageID,
		Processable: true,
	}
	if err := d.store.Store(att, content); err != nil {
		return nil, errdefs.WrapTransient(err, "storing attachment")
	}

	logger.DebugCF("attachments", "Stored attachment", map[string]any{
		"attachment_id": ref.AttachmentID,
		"type":          category,
		"size":          att.Size,
	})
	return &fetched{att: att, content: content}, nil
}

// Stored returns the content of a previously stored attachment by id. Used
// by the fetch_attachment operation, which never touches the platform.
func (d *Downloader) Stored(attachmentID string) (*cache.CachedAttachment, []byte, error) {
	att := d.store.Get(attachmentID)
	if att == nil {
		return nil, nil, errdefs.NotFound("attachment %s not found", attachmentID)
	}
	if !att.Processable {
		return att, nil, errdefs.Attachment("attachment %s was not stored: exceeds size limit", attachmentID)
	}
	content, err := d.store.Read(att)
	if err != nil {
		return nil, nil, errdefs.WrapPermanent(err, "reading stored attachment")
	}
	return att, content, nil
}
