// Package sqlutil converts the pointer-typed optional fields the
// Repository's callers use into the database/sql Null* values its write
// statements bind. The request_rows schema's only nullable columns are
// TEXT (structured_json, report, urgency_level, clinical_significance,
// processing_error), so a string converter is all the Repository needs;
// reads go through sqlx scanning directly into pointer fields.
package sqlutil

import "database/sql"

// ToNullString converts a possibly-nil string pointer to a sql.NullString.
// An empty string is treated the same as nil: both produce Valid=false,
// since this module never needs to distinguish "absent" from "empty" for
// an optional text column.
func ToNullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
