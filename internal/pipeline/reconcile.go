package pipeline

import (
	"context"
	"fmt"
	"log"
)

// ReconcileRemote sweeps for orphaned remote videos: uploads that succeeded
// remotely but never made it into a local record (a crash between the two
// writes leaves no compensating action in the normal pipeline). It lists
// app-uploaded remote videos per credentialed owner and reports ids with no
// matching local remoteId. Orphans are deleted remotely only outside dry-run.
func (s *Scheduler) ReconcileRemote(ctx context.Context, dryRun bool) ([]string, error) {
	known, err := s.store.KnownRemoteIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load known remote ids: %w", err)
	}

	owners, err := s.store.CredentialedOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentialed owners: %w", err)
	}

	var orphans []string
	for _, owner := range owners {
		creds, err := s.store.Credentials(ctx, owner)
		if err != nil {
			log.Printf("pipeline: reconcile: owner %s: %v", owner, err)
			continue
		}

		remoteIDs, err := s.uploads.ListRemoteVideos(ctx, creds)
		if err != nil {
			// One owner's listing failure must not abort the sweep.
			log.Printf("pipeline: reconcile: owner %s: remote listing failed: %v", owner, err)
			continue
		}

		for _, id := range remoteIDs {
			if known[id] {
				continue
			}
			orphans = append(orphans, id)
			if dryRun {
				log.Printf("pipeline: reconcile: orphaned remote video %s (owner %s, dry run)", id, owner)
				continue
			}
			if err := s.uploads.DeleteRemoteVideo(ctx, creds, id); err != nil {
				log.Printf("pipeline: reconcile: failed to delete orphan %s: %v", id, err)
				continue
			}
			log.Printf("pipeline: reconcile: deleted orphaned remote video %s (owner %s)", id, owner)
		}
	}

	return orphans, nil
}
