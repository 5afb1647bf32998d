package domain

import "slices"

// MaxImageBytes is the fixed size ceiling for image attachments (10 MiB).
const MaxImageBytes int64 = 10 * 1024 * 1024

// Attachment is the durable descriptor of an uploaded image.
type Attachment struct {
	URL            string `json:"url"`
	Width          uint   `json:"width"`
	Height         uint   `json:"height"`
	PerceptualHash string `json:"thumbhash"`
	Caption        string `json:"caption,omitempty"`

	// LocalPreview is only ever held in memory, before URL exists.
	LocalPreview *LocalPreview `json:"-"`
}

// Resolved reports whether the attachment has a remote URL.
func (a Attachment) Resolved() bool { return a.URL != "" }

// Clone returns a copy that shares no mutable state with a.
func (a Attachment) Clone() Attachment {
	c := a
	if a.LocalPreview != nil {
		p := a.LocalPreview.Clone()
		c.LocalPreview = &p
	}
	return c
}

// LocalPreview references the original local image bytes.
type LocalPreview struct {
	FileName  string
	MediaType string
	Data      []byte
	Width     uint
	Height    uint
	Thumbnail []byte // PNG, optional
}

// Clone returns a deep copy of the preview.
func (p LocalPreview) Clone() LocalPreview {
	c := p
	c.Data = slices.Clone(p.Data)
	c.Thumbnail = slices.Clone(p.Thumbnail)
	return c
}

// File is a local image resource handed to the uploader.
type File struct {
	Name      string
	MediaType string // declared type; sniffed from Data when empty
	Data      []byte
}

// Size returns the file size in bytes.
func (f File) Size() int64 { return int64(len(f.Data)) }
