// Package sourcehost defines the port for the source-hosting collaborator
// (repository/PR/merge operations).
package sourcehost

import "context"

// MergeResult reports the outcome of a pull request merge.
type MergeResult struct {
	Merged bool   `json:"merged"`
	SHA    string `json:"sha,omitempty"`
}

// Client is the narrow source-hosting contract the core depends on.
type Client interface {
	Merge(ctx context.Context, prURL string) (*MergeResult, error)
}
