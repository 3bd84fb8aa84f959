package memutils

// Validatable is anything with a consistency check, such as block metadata or a dedicated allocation
// list. DebugValidate runs the check in builds tagged debug_mem_utils.
type Validatable interface {
	Validate() error
}
