package segheap

import "github.com/pkg/errors"

// ErrOutOfMemory is the error returned when the backing store cannot be extended far
// enough to satisfy an allocation request
var ErrOutOfMemory error = errors.New("out of memory")

// ErrInvalidFree is the error returned when a free or realloc is attempted on a reference
// that does not identify a live allocation
var ErrInvalidFree error = errors.New("reference does not identify a live allocation")

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")
