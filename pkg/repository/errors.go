package repository

import "github.com/pkg/errors"

// Sentinel errors surfaced by repository methods when a mutation would
// violate one of the per-entity invariants. Handlers in
// pkg/userapi/pkg/agentapi translate these into the stable
// {code, errors[]} envelope; they are never returned bare to a
// client.
var (
	ErrJobNotAcceptingTasks = errors.New("repository: job is not accepting new tasks")
	ErrPrereqTaskMissing    = errors.New("repository: prerequisite task does not exist in this job")
	ErrPoolNameTaken        = errors.New("repository: pool name already in use")
	ErrPoolNotManaged       = errors.New("repository: only managed pools may own scalesets")
	ErrOSMismatch           = errors.New("repository: os does not match pool")
	ErrPoolNotFound         = errors.New("repository: pool not found")
)
