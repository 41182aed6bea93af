// Package vault provides type-safe Go definitions and filesystem schema
// patterns for the Warren vault architecture.
//
// # Overview
//
// The vault is the central shared state system where all Warren components
// (orchestrator, engines, CLI) interact via well-defined files stored in a
// plain directory tree. It implements a local-first pipeline - a shared
// workspace where independent services collaborate by reading and moving
// structured files, with the file's current folder acting as its state.
//
// # Core Concepts
//
// Actions are units of externally-originated work. Every email, file drop, or
// chat message that enters the system is materialised as an action file with
// a UUID stem, and that stem correlates every later file for the same work.
//
// Plans are the ordered step sequences that fulfil an action. A plan file
// carries YAML front-matter (identity, steps, approval flags) followed by a
// human-readable Markdown body, and is the file that traverses the pipeline
// folders from Plans through Pending_Approval and Approved to Done.
//
// Approvals record the decision the rule engine (or a human) made for a plan:
// auto_approve, require_approval, auto_reject, or escalate. Approval records
// live under System_Log/Approvals so that exactly one pipeline file per stem
// exists across the non-terminal folders at any instant.
//
// # Pipeline Layout
//
// All state lives under a single vault root:
//
//	Inbox/              externally-writable ingestion folder
//	Needs_Action/       materialised action files awaiting planning
//	Plans/              generated plans awaiting an approval decision
//	Pending_Approval/   plans halted for human review
//	Approved/           plans cleared for execution
//	Done/               successfully executed plans
//	Failed/             plans that failed (possibly compensated)
//	Rejected/           plans denied by rule or human
//	Dead_Letter/        quarantined files with sidecar metadata
//	Archived/           terminal provenance storage
//	System_Log/         run state: audit log, approvals, open contexts
//	.locks/             transition lock files (engine-private)
//	.credentials/       encrypted credential store
//	.integrity/         audit verification state (engine-private)
//
// # Usage Example
//
//	import "github.com/dyluth/warren/pkg/vault"
//
//	action := &vault.Action{
//		ID:        uuid.New().String(),
//		Type:      vault.ActionEmailResponse,
//		Priority:  vault.PriorityMedium,
//		CreatedAt: time.Now().UTC(),
//		Source:    "gmail",
//	}
//
//	if err := action.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
//	layout := vault.NewLayout("/home/me/vault")
//	path := layout.File(vault.FolderNeedsAction, action.ID+vault.SuffixAction)
//	if err := vault.WriteActionFile(path, action); err != nil {
//		log.Fatal(err)
//	}
//
// # Design Principles
//
//   - Type safety: every file format has a struct with a validation method
//   - One file per stem: the folder a file sits in is its workflow state
//   - Crash safety: all writes go through the atomic temp+fsync+rename path
//   - Closed error taxonomy: engines translate OS faults at the boundary
//   - Simplicity: the contract depends only on google/uuid and yaml.v3
package vault
