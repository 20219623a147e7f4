package models

// EntityRow is one administrative entity of a session.
// Rows start as unloaded placeholders and are filled in by index as pages arrive.
type EntityRow struct {
	ID              int64             `json:"id"`
	Country         string            `json:"country"`
	Level           int               `json:"level"`
	Code            string            `json:"code"`
	Name            string            `json:"name"`
	IsValid         bool              `json:"is_valid"`
	IsAvailable     bool              `json:"is_available"`
	MaxLevel        *int              `json:"max_level,omitempty"`
	AdminLevelNames map[string]string `json:"admin_level_names,omitempty"` // level number -> label
	Loaded          bool              `json:"loaded"`
	Index           int               `json:"index"`
}

// EntityIndex is the ids-only summary of a session's entities, fetched before any page
type EntityIndex struct {
	IDs          []int64 `json:"ids"`
	Total        int     `json:"total"`
	AdminLevels  []int   `json:"admin_levels"`
	HasLevelZero bool    `json:"has_level_zero"`
}

// EntityPage is the body of a paginated entity response
type EntityPage struct {
	Results []EntityRow `json:"results"`
}
