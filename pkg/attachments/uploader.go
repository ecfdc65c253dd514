package attachments

import (
	"encoding/base64"

	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/platform"
)

// InboundFile is one attachment payload as the framework supplies it:
// base64 content plus a suggested filename.
type InboundFile struct {
	Filename string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	Content  string `json:"content"`
}

// DecodeFiles turns framework attachment payloads into upload-ready files,
// enforcing the size gate before any platform call happens.
func DecodeFiles(files []InboundFile, maxSize int64) ([]platform.OutgoingFile, error) {
	if len(files) == 0 {
		return nil, nil
	}
	out := make([]platform.OutgoingFile, 0, len(files))
	for _, f := range files {
		if f.Content == "" {
			return nil, errdefs.Validation("attachment %q has no content", f.Filename)
		}
		raw, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, errdefs.Validation("attachment %q is not valid base64: %v", f.Filename, err)
		}
		if maxSize > 0 && int64(len(raw)) > maxSize {
			return nil, errdefs.Attachment("attachment %q exceeds size limit (%d > %d bytes)",
				f.Filename, len(raw), maxSize)
		}
		name := f.Filename
		if name == "" {
			name = "attachment"
		}
		out = append(out, platform.OutgoingFile{
			Filename: name,
			MimeType: f.MimeType,
			Content:  raw,
		})
	}
	return out, nil
}

// EncodeContent converts stored attachment bytes to the base64 form events
// carry on the wire.
func EncodeContent(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}
