package huntflow

// ToPtr returns a pointer to the given value.
// This is useful for creating pointers to literals or converting values to pointers.
func ToPtr[T any](v T) *T {
	return &v
}
