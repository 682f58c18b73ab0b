// Package mysql persists load reports: a MySQL repository with embedded
// schema migrations, and a JSON-lines file repository used when no database
// is configured.
package mysql
