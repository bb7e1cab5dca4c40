package models

import (
	"log"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) {
	err := db.AutoMigrate(
		&AccountingJob{},
		&PostingClaim{},
		&AuditEvent{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
