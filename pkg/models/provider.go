package models

import "strings"

type ProviderKind string

const (
	ProviderDropbox    ProviderKind = "DROPBOX"
	ProviderMinio      ProviderKind = "MINIO"
	ProviderOneDrive   ProviderKind = "ONEDRIVE"
	ProviderNextcloud  ProviderKind = "NEXTCLOUD"
	ProviderGoogle     ProviderKind = "GOOGLE"
	ProviderMongoDB    ProviderKind = "MONGODB"
	ProviderAzure      ProviderKind = "AZURE"
	ProviderGCS        ProviderKind = "GCS"
	ProviderLocalDrive ProviderKind = "LOCAL_DRIVE"
	ProviderText       ProviderKind = "TEXT"
	ProviderFile       ProviderKind = "FILE"
	ProviderNone       ProviderKind = "NONE"
)

// ParseProviderKind accepts any casing. Unknown kinds are returned as-is so
// the handler registry can reject them with a useful message.
func ParseProviderKind(s string) ProviderKind {
	if s == "" {
		return ProviderNone
	}
	return ProviderKind(strings.ToUpper(strings.TrimSpace(s)))
}

// IsCloud reports whether k is backed by a remote storage service.
func (k ProviderKind) IsCloud() bool {
	switch k {
	case ProviderDropbox, ProviderMinio, ProviderOneDrive, ProviderNextcloud, ProviderGoogle, ProviderAzure, ProviderGCS:
		return true
	}
	return false
}

// DocumentProvider describes where input documents come from or where output
// documents go to.
type DocumentProvider struct {
	Provider      ProviderKind `json:"provider" bson:"provider" firestore:"provider"`
	ProviderID    string       `json:"provider_id,omitempty" bson:"provider_id,omitempty" firestore:"provider_id,omitempty"` // connection id
	Path          string       `json:"path,omitempty" bson:"path,omitempty" firestore:"path,omitempty"`
	Content       string       `json:"content,omitempty" bson:"content,omitempty" firestore:"content,omitempty"`
	FileExtension string       `json:"file_extension,omitempty" bson:"file_extension,omitempty" firestore:"file_extension,omitempty"`
}

// Equal compares provider kinds only. Two descriptors with different
// connection ids of the same kind are considered equal.
func (p DocumentProvider) Equal(other DocumentProvider) bool {
	return p.Provider == other.Provider
}

// SameConnection reports whether p and other address the same provider
// connection and may share one handler.
func (p DocumentProvider) SameConnection(other DocumentProvider) bool {
	return p.Equal(other) && p.ProviderID == other.ProviderID
}

func (p DocumentProvider) IsText() bool {
	return p.Provider == ProviderText
}

func (p DocumentProvider) HasNoOutput() bool {
	return p.Provider == ProviderText || p.Provider == ProviderNone
}

func (p DocumentProvider) IsCloudProvider() bool {
	return p.Provider.IsCloud()
}

// Paths splits a comma separated path list. Blank entries are dropped.
func (p DocumentProvider) Paths() []string {
	var paths []string
	for _, part := range strings.Split(p.Path, ",") {
		if part = strings.TrimSpace(part); part != "" {
			paths = append(paths, part)
		}
	}
	return paths
}
