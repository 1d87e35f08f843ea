package storage

import (
	"time"

	"github.com/glebarez/sqlite"
	"github.com/iohzrd/thor/go-swarm/content"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// VerifiedUnit is one journaled unit that passed verification and was
// written to storage.
type VerifiedUnit struct {
	ContentID  string `gorm:"primaryKey"`
	UnitIndex  int    `gorm:"primaryKey;autoIncrement:false"`
	VerifiedAt time.Time
}

// ResumeStore journals verified units so a restarted exchange only has to
// recheck what it already wrote.
type ResumeStore struct {
	DB *gorm.DB
}

func OpenResumeStore(path string) (*ResumeStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, xerrors.Errorf("open resume store %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&VerifiedUnit{}); err != nil {
		return nil, xerrors.Errorf("migrate resume store: %w", err)
	}
	return &ResumeStore{DB: db}, nil
}

func (rs *ResumeStore) MarkVerified(id content.ID, index int) error {
	unit := VerifiedUnit{
		ContentID:  id.String(),
		UnitIndex:  index,
		VerifiedAt: time.Now(),
	}
	return rs.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&unit).Error
}

func (rs *ResumeStore) Verified(id content.ID) ([]int, error) {
	indices := []int{}
	err := rs.DB.Model(&VerifiedUnit{}).
		Where("content_id = ?", id.String()).
		Order("unit_index").
		Pluck("unit_index", &indices).Error
	if err != nil {
		return nil, err
	}
	return indices, nil
}

// Forget drops every journaled unit of id.
func (rs *ResumeStore) Forget(id content.ID) error {
	return rs.DB.Where("content_id = ?", id.String()).Delete(&VerifiedUnit{}).Error
}

func (rs *ResumeStore) Close() error {
	sqlDB, err := rs.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
