// Package idgen provides a reference brtypes.InodeId generator. The
// generator that ultimately backs a live filesystem is an external
// collaborator (coordinating id allocation across concurrent writers is
// out of scope for this module); UUIDGenerator exists so tests and
// EntityCreator have a concrete, concurrency-safe default to create
// entities against.
package idgen

import (
	"github.com/google/uuid"

	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
)

// Generator produces fresh, collision-free inode identifiers.
type Generator interface {
	Generate() (brtypes.InodeId, error)
}

// UUIDGenerator builds ids from random UUIDs, masking the low bits of Lo
// so every generated id addresses the main inode stream.
type UUIDGenerator struct{}

// Generate returns a new random id.
func (UUIDGenerator) Generate() (brtypes.InodeId, error) {
	u := uuid.New()
	hi := uint64(0)
	lo := uint64(0)
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(u[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(u[i])
	}
	lo &^= 0x3F
	return brtypes.InodeId{Hi: hi, Lo: lo}, nil
}
