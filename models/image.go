package models

import "time"

// ImageEntry is one row of an image manifest: a captured image for a property.
type ImageEntry struct {
	PropertyID    string
	CertificateID string
	ImageRef      string
	CapturedAt    time.Time
}
