package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func New(ctx context.Context, tx *gorm.DB) Context {
	return Context{Ctx: ctx, Tx: tx}
}

// DB returns the transaction bound to the request context, ready for queries.
func (c Context) DB() *gorm.DB {
	if c.Tx == nil {
		return nil
	}
	if c.Ctx != nil {
		return c.Tx.WithContext(c.Ctx)
	}
	return c.Tx
}
