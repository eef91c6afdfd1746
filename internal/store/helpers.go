package store

import "github.com/jmoiron/sqlx"

// inQuery expands an IN (?) clause for a string slice.
func inQuery(query string, values []string) (string, []any, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return sqlx.In(query, args)
}
