// Package migrations embeds the SQL schema migrations so the server can
// apply them on startup without shipping files next to the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
