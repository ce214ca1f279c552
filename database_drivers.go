//go:build !test

// Production binaries register every SQL backend. Builds tagged "test"
// skip the heavyweight drivers.
package main

import "densitymap/pkg/database/drivers"

func init() {
	drivers.Ready()
}
