package dag

import (
	"fmt"
	"time"

	"github.com/swarmguard/cis/internal/cerr"
)

// isSafe reports whether a proposal's changes are conservative enough to
// auto-merge without review: adds only, or modifications touching only
// priority.
func isSafe(p Proposal) bool {
	if len(p.Changes.Removed) > 0 {
		return false
	}
	for _, c := range p.Changes.Modified {
		if c.Description != nil || c.Status != nil {
			return false
		}
	}
	return true
}

// SubmitProposal merges a WorkerAgent-sourced or safe proposal
// immediately; everything else is enqueued in PendingProposals for
// review.
func (td *TodoList) SubmitProposal(p Proposal, now time.Time) {
	if p.Source == SourceWorkerAgent || isSafe(p) {
		td.mergeProposal(p, now)
		td.ProposalHistory = append(td.ProposalHistory, p)
		return
	}
	td.PendingProposals = append(td.PendingProposals, p)
}

// AutoMergeSafeProposals sweeps PendingProposals, merging every proposal
// that passes isSafe and retiring expired ones to ProposalHistory without
// merging them. Returns the count merged.
func (td *TodoList) AutoMergeSafeProposals(now time.Time) int {
	var remaining []Proposal
	merged := 0
	for _, p := range td.PendingProposals {
		if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
			td.ProposalHistory = append(td.ProposalHistory, p)
			continue
		}
		if isSafe(p) {
			td.mergeProposal(p, now)
			td.ProposalHistory = append(td.ProposalHistory, p)
			merged++
			continue
		}
		remaining = append(remaining, p)
	}
	td.PendingProposals = remaining
	return merged
}

// ReviewAndMerge applies acceptFn's verdict to a pending proposal.
// acceptFn is the sole authority on whether an externally-reviewed
// proposal merges; an expired proposal is never merged regardless of
// acceptFn's answer.
func (td *TodoList) ReviewAndMerge(id string, acceptFn func(Proposal) bool, now time.Time) (bool, error) {
	for i, p := range td.PendingProposals {
		if p.ID != id {
			continue
		}
		td.PendingProposals = append(td.PendingProposals[:i:i], td.PendingProposals[i+1:]...)
		if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
			td.ProposalHistory = append(td.ProposalHistory, p)
			return false, nil
		}
		accept := acceptFn(p)
		if accept {
			td.mergeProposal(p, now)
		}
		td.ProposalHistory = append(td.ProposalHistory, p)
		return accept, nil
	}
	return false, cerr.New(cerr.NotFound, "dag.ReviewAndMerge", fmt.Errorf("proposal %s not found", id))
}

// mergeProposal applies a Diff to the list: add missing items, remove
// present ones, overwrite status/priority/description for modified
// items, then checkpoint with an informational note.
func (td *TodoList) mergeProposal(p Proposal, now time.Time) {
	existing := make(map[string]bool, len(td.Items))
	for _, it := range td.Items {
		existing[it.ID] = true
	}
	for _, it := range p.Changes.Added {
		if !existing[it.ID] {
			td.Items = append(td.Items, it)
			existing[it.ID] = true
		}
	}

	if len(p.Changes.Removed) > 0 {
		removeIDs := make(map[string]bool, len(p.Changes.Removed))
		for _, it := range p.Changes.Removed {
			removeIDs[it.ID] = true
		}
		kept := td.Items[:0:0]
		for _, it := range td.Items {
			if !removeIDs[it.ID] {
				kept = append(kept, it)
			}
		}
		td.Items = kept
	}

	for _, c := range p.Changes.Modified {
		for i := range td.Items {
			if td.Items[i].ID != c.ID {
				continue
			}
			if c.Status != nil {
				td.Items[i].Status = *c.Status
			}
			if c.Priority != nil {
				td.Items[i].Priority = *c.Priority
			}
			if c.Description != nil {
				td.Items[i].Description = *c.Description
			}
			updated := now
			td.Items[i].UpdatedAt = &updated
		}
	}

	td.LastCheckpoint = fmt.Sprintf("merged proposal %s (%s) at %s", p.ID, p.Source, now.Format(time.RFC3339))
}
