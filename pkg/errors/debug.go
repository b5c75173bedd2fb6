package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Postgres SQLSTATE values that map onto API codes.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgAdminShutdown   = "57P01"
	pgTooManyConns    = "53300"
	pgConnClass       = "08"
)

type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`

	Chain []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`
}

// Fields flattens the dump for structured logging. Postgres fields are only
// included when a driver error was found in the chain.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error":       d.TopMessage,
		"error_code":  d.Code,
		"error_chain": d.Chain,
	}
	if d.PGCode != "" {
		fields["pg_code"] = d.PGCode
		fields["pg_constraint"] = d.PGConstraint
		fields["pg_table"] = d.PGTable
		fields["pg_column"] = d.PGColumn
		fields["pg_detail"] = d.PGDetail
		fields["pg_message"] = d.PGMessage
	}
	return fields
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	fillPG(&d, err)
	return d
}

// fillPG copies driver details from either pgx (gorm postgres driver) or lib/pq.
func fillPG(d *ErrorDump, err error) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		d.PGCode = pgxErr.Code
		d.PGConstraint = pgxErr.ConstraintName
		d.PGTable = pgxErr.TableName
		d.PGColumn = pgxErr.ColumnName
		d.PGDetail = pgxErr.Detail
		d.PGMessage = pgxErr.Message
		return
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		d.PGCode = string(pqErr.Code)
		d.PGConstraint = pqErr.Constraint
		d.PGTable = pqErr.Table
		d.PGColumn = pqErr.Column
		d.PGDetail = pqErr.Detail
		d.PGMessage = pqErr.Message
	}
}

// FromDB classifies a repository error. Missing rows become CodeNotFound with
// notFound as the public message; everything else is wrapped with op.
func FromDB(err error, notFound, op string) error {
	if err == nil {
		return nil
	}
	if te := As(err); te != nil {
		return te
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return New(CodeNotFound, notFound)
	}

	var d ErrorDump
	fillPG(&d, err)
	switch {
	case d.PGCode == pgUniqueViolation:
		return Wrap(CodeConflict, err, op).WithDetails(map[string]any{"constraint": d.PGConstraint})
	case d.PGCode == pgCheckViolation:
		return Wrap(CodeStateConflict, err, op).WithDetails(map[string]any{"constraint": d.PGConstraint})
	case d.PGCode == pgAdminShutdown, d.PGCode == pgTooManyConns, strings.HasPrefix(d.PGCode, pgConnClass):
		return Wrap(CodeDependency, err, op)
	}
	return Wrap(CodeInternal, err, op)
}
