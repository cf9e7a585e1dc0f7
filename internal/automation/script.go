//go:build !no_automation

package automation

import "time"

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored as <dir>/<id>.lua. The first
// line of the file carries the metadata as a JSON comment.
type Script struct {
	ID        string     `json:"id"`
	Meta      ScriptMeta `json:"meta"`
	LuaCode   string     `json:"lua_code"`
	UpdatedAt time.Time  `json:"updated_at"`
	FilePath  string     `json:"-"`
}
