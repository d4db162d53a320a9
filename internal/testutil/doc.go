// Package testutil provides fixtures, a controllable clock and small HTTP
// helpers shared by the package tests of the authorization server.
package testutil
