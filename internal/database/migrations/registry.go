package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/vodarr/internal/models"
)

// AllMigrations returns all registered migrations in order.
//   - 001: media_assets table
//   - 002: owner listing index
//   - 003: thumbnail_custom column
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002OwnerListingIndex(),
		migration003ThumbnailCustom(),
	}
}

func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create media_assets table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.MediaAsset{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.MediaAsset{})
		},
	}
}

const ownerListingIndex = "idx_media_assets_owner_created"

// migration002OwnerListingIndex backs the per-owner newest-first listing.
func migration002OwnerListingIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Add owner listing index to media_assets",
		Up: func(tx *gorm.DB) error {
			// MySQL has no CREATE INDEX IF NOT EXISTS.
			if tx.Migrator().HasIndex(&models.MediaAsset{}, ownerListingIndex) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + ownerListingIndex + " ON media_assets (owner_id, created_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.MediaAsset{}, ownerListingIndex) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.MediaAsset{}, ownerListingIndex)
		},
	}
}

// migration003ThumbnailCustom records whether the owner supplied the thumbnail.
// Databases created after the column was added already have it from 001.
func migration003ThumbnailCustom() Migration {
	return Migration{
		Version:     "003",
		Description: "Add thumbnail_custom to media_assets",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasColumn(&models.MediaAsset{}, "ThumbnailCustom") {
				return nil
			}
			return tx.Migrator().AddColumn(&models.MediaAsset{}, "ThumbnailCustom")
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasColumn(&models.MediaAsset{}, "ThumbnailCustom") {
				return nil
			}
			return tx.Migrator().DropColumn(&models.MediaAsset{}, "ThumbnailCustom")
		},
	}
}
