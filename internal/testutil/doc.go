// Package testutil contains helper builders and an in-memory bus used
// across tests to reduce boilerplate when constructing messages and
// sessions and when exercising clients without a network. They are not
// intended for production usage.
package testutil
