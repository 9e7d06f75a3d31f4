// Command docbridge executes MongoDB commands over a message broker.
//
//	docbridge serve --endpoint nats://localhost:4222 --mongo-uri mongodb://localhost:27017
//	docbridge exec test_db users find --args '{"filter": {"name": "ada"}}'
//	docbridge exec test_db list_collection_names
//
// Settings are read from DOCBRIDGE_* environment variables and overridden
// by flags.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}
