package main

import (
	"encoding/json"
	"os"
)

// printJSON writes v to stdout as indented JSON, matching the teacher's
// convention of machine-readable CLI output (the dashboard and scripts
// both consume it).
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
