// Package migrations ships the versioned schema files with the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
