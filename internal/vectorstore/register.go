package vectorstore

import (
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// registerOnce guards the process-wide sqlite-vec extension
// auto-registration; it must run at most once regardless of how many
// Stores are opened.
var registerOnce sync.Once

func ensureExtensionRegistered() {
	registerOnce.Do(func() {
		sqlite_vec.Auto()
	})
}
