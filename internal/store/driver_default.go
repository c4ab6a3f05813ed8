//go:build !(sqlite_vec && cgo)

package store

import (
	"fmt"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// driverDSN builds the connection string for the pure-Go driver.
// Foreign keys are enforced per connection; busy_timeout keeps concurrent
// readers from failing fast while the single writer holds the lock.
func driverDSN(path string, busyTimeoutMs int) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, busyTimeoutMs)
}
