// Package workspace is the filesystem bridge of §4.5: it reads a
// developer agent's progress.txt for template injection and archives it on
// run completion. It is the only component through which filesystem state
// reaches scheduling decisions.
package workspace

import (
	"os"
	"path/filepath"

	"github.com/openclaw/antfarm/internal/errs"
)

const noProgressYet = "(no progress yet)"

// Bridge resolves agent workspace directories from a workflow's installed
// root and reads/archives progress.txt beneath them.
type Bridge struct {
	// Root maps a workflow id and agent id to that agent's workspace
	// directory (e.g. <storeRoot>/workflows/<workflowId>/<agentId>).
	Root func(workflowID, agentID string) string
}

// New builds a Bridge rooted at storeRoot, matching config.WorkflowDir's
// <storeRoot>/workflows/<workflowId>/<agentId> layout.
func New(storeRoot string) *Bridge {
	return &Bridge{
		Root: func(workflowID, agentID string) string {
			return filepath.Join(storeRoot, "workflows", workflowID, agentID)
		},
	}
}

// ReadProgress reads progress.txt from the given agent's workspace. A
// missing file is not an error — it yields the documented placeholder.
func (b *Bridge) ReadProgress(workflowID, agentID string) (string, error) {
	path := filepath.Join(b.Root(workflowID, agentID), "progress.txt")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return noProgressYet, nil
	}
	if err != nil {
		return "", errs.IOFailure(err, "read progress.txt for agent %s", agentID)
	}
	return string(data), nil
}

// Archive moves progress.txt to archive/<runId>/progress.txt beneath the
// same workspace, on terminal run completion. Absence of the source file is
// not an error — there may be nothing to archive.
func (b *Bridge) Archive(workflowID, agentID, runID string) error {
	workspaceDir := b.Root(workflowID, agentID)
	src := filepath.Join(workspaceDir, "progress.txt")

	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.IOFailure(err, "read progress.txt for archive, agent %s", agentID)
	}

	destDir := filepath.Join(workspaceDir, "archive", runID)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return errs.IOFailure(err, "create archive directory for run %s", runID)
	}
	dest := filepath.Join(destDir, "progress.txt")
	if err := os.WriteFile(dest, data, 0o640); err != nil {
		return errs.IOFailure(err, "write archived progress.txt for run %s", runID)
	}
	if err := os.Remove(src); err != nil {
		return errs.IOFailure(err, "truncate progress.txt for agent %s", agentID)
	}
	return nil
}
