package repo

import (
	"context"

	"gorm.io/gorm"
)

// Base is embedded by repositories that share one GORM connection.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the connection bound to ctx. A nil ctx returns the raw connection.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// InTx runs fn inside a transaction. fn must only use the tx it is given.
func (b Base) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return b.DB(ctx).Transaction(fn)
}

// RequireRows returns res.Error, or conflict when the statement matched nothing.
// Conditional transitions use it to tell "lost the race" apart from failures.
func RequireRows(res *gorm.DB, conflict error) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return conflict
	}
	return nil
}
