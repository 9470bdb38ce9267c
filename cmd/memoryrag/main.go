// Command memoryrag runs the retrieval service and its supporting
// tools: the HTTP server, the CDC ingest worker, and the offline
// index builder.
package main

import "github.com/gibsey/memory-rag/cmd/memoryrag/cmd"

func main() {
	cmd.Execute()
}
