// Package util holds small generic helpers shared by tests and commands.
package util

// Ptr returns a pointer to a copy of v, for optional fields such as entity.Delta sections.
func Ptr[T any](v T) *T {
	return &v
}
