// Package id generates short identifiers for log correlation. Agent
// ids on the wire and in the database are UUIDs; these ids only tag a
// single accepted socket in the hub's logs.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Session returns a 12-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
func Session() string {
	id, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 12)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
