package worktree

import "errors"

var (
	// ErrBranchCollision indicates a branch with the deterministic name already
	// exists. This is a naming bug upstream and must never be silently renamed
	// around.
	ErrBranchCollision = errors.New("branch collision")
	// ErrWorktreeBusy indicates the target worktree path is already in use by a
	// live allocation.
	ErrWorktreeBusy = errors.New("worktree path already allocated")
	// ErrAllocationNotFound indicates no live allocation matches the given key.
	ErrAllocationNotFound = errors.New("allocation not found")
)
