package models

// UploadedFile is one layer file attached to the upload step of a session
type UploadedFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Level       string `json:"level"`    // string-encoded integer
	Progress    int    `json:"progress"` // upload completion, 0-100
	Removing    bool   `json:"removing"`
	Confirmed   bool   `json:"confirmed"` // false while ID is a local placeholder
}
