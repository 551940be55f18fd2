// Package auth issues and checks the bearer tokens that protect the
// dragon-core HTTP API.
//
// Tokens are HS256 JWTs carrying a subject and a role. There is no user
// database: whoever holds the signing secret mints tokens (dragonctl token)
// and the API validates them by signature alone.
//
// Two roles exist. A viewer may read device state and history; an operator
// may also move the fans.
package auth
