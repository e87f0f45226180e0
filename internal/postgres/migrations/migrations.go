// Package migrations embeds the schema files applied by the gateway's
// migrate command and the integration test harness.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in apply order.
var Files = []string{
	"001_create_sessions.sql",
	"002_create_tasks.sql",
	"003_create_task_results.sql",
}
