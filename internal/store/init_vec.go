//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register sqlite-vec with the mattn/go-sqlite3 driver so
	// vec_distance_cosine is available on every new connection.
	vec.Auto()
}
