package postgres

import (
	"time"
)

// RunModel maps to the "runs" table.
// No UpdatedAt or DeletedAt: a run is journaled once, when it ends.
type RunModel struct {
	ID           string    `gorm:"primaryKey;size:36"`
	ParentID     string    `gorm:"size:36;index"`
	Depth        int       `gorm:"not null;default:0;index"`
	Query        string    `gorm:"type:text;not null;default:''"`
	ContextChars int       `gorm:"not null;default:0"`
	Truncated    bool      `gorm:"not null;default:false"`
	Model        string
	Status       string    `gorm:"not null;index"`
	Answer       string    `gorm:"type:text"`
	Error        string    `gorm:"type:text"`
	LLMCalls     int       `gorm:"not null;default:0"`
	Iterations   int       `gorm:"not null;default:0"`
	DurationMS   int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"index"`
}

func (RunModel) TableName() string { return "runs" }
