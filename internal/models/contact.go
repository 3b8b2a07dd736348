package models

import "time"

// Contact is the CRM directory record a case is opened against. The workflow
// engine only reads it; ownership stays with the CRM.
type Contact struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Phone     string    `db:"phone" json:"phone"`
	Email     string    `db:"email" json:"email"`
	Country   string    `db:"country" json:"country"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
