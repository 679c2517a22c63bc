package merge

// ConflictType classifies how two branches collide on a path.
type ConflictType string

const (
	// FileModification means both branches modified the same file.
	FileModification ConflictType = "file_modification"
	// DeleteModify means one branch deleted a file the other modified.
	DeleteModify ConflictType = "delete_modify"
	// FileCreation means both branches created the same path.
	FileCreation ConflictType = "file_creation"
	// DirectoryConflict means the branches created colliding entries, e.g. a
	// file on one side where the other created a directory.
	DirectoryConflict ConflictType = "directory_conflict"
)

// Conflict is a predicted or actual collision between two branches. Conflicts
// are derived, never persisted; they are recomputed from branch diffs on
// every detection run.
type Conflict struct {
	FilePath       string       `json:"file_path"`
	Type           ConflictType `json:"type"`
	AgentIDs       []string     `json:"agent_ids"`
	Branches       []string     `json:"branches"`
	Recommended    Strategy     `json:"recommended"`
	Description    string       `json:"description"`
	AutoResolvable bool         `json:"auto_resolvable"`
}

// Summary aggregates conflicts for reporting.
type Summary struct {
	Total          int                  `json:"total"`
	ByType         map[ConflictType]int `json:"by_type"`
	AutoResolvable int                  `json:"auto_resolvable"`
	UniqueFiles    int                  `json:"unique_files"`
}

// Summarize aggregates counts by type, auto-resolvable count and unique file
// count over a detection result.
func Summarize(conflicts []Conflict) Summary {
	summary := Summary{ByType: make(map[ConflictType]int)}
	files := make(map[string]bool)
	for _, c := range conflicts {
		summary.Total++
		summary.ByType[c.Type]++
		if c.AutoResolvable {
			summary.AutoResolvable++
		}
		files[c.FilePath] = true
	}
	summary.UniqueFiles = len(files)
	return summary
}
