/*
main.go - leadvault entry point

PURPOSE:
  One binary for the HTTP server and the operator commands that run the
  same services without it.

COMMANDS:
  serve                      HTTP API (graceful shutdown on SIGINT/SIGTERM)
  grant <user> <amount>      grant_credits
  ingest <file.csv>          create_upload_batch + insert_staging_row
  validate <batch-id>        validate_batch
  merge <batch-id>           merge_batch
  reject <batch-id>          reject a batch
  token <user>               mint a dev HS256 token

CONFIGURATION:
  .env and LEADVAULT_* variables (see config/config.go). Global flags
  override the database and log settings for a single run.

EXAMPLES:
  leadvault serve --addr :9000
  leadvault ingest march.csv --source sec-feed
  leadvault token admin-1 --role admin

SEE ALSO:
  - app.go: service wiring
  - api/server.go: routes
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
