package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/rlm/internal/storage"
)

// FilterScope returns a GORM scope applying a storage.ListFilter.
func FilterScope(f storage.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Status != "" {
			db = db.Where("status = ?", f.Status)
		}
		if f.ParentID != "" {
			db = db.Where("parent_id = ?", f.ParentID)
		}
		if f.RootOnly {
			db = db.Where("depth = ?", 0)
		}
		return db
	}
}
