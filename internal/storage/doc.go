// Package storage persists sealed credential rows, the store header and the
// audit chain in a single SQLite file. It never sees cleartext secrets; all
// statements are fixed parameterized strings.
package storage
