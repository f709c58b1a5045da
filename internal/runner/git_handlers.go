package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hapi/hub/internal/runner/gitutil"
)

// RegisterGitHandlers wires the hub's git-info/worktree RPCs onto c,
// delegating to the relocated gitutil package.
func RegisterGitHandlers(c *Client) {
	c.RegisterHandler("git-info", handleGitInfo)
	c.RegisterHandler("git-worktree-create", handleGitWorktreeCreate)
	c.RegisterHandler("git-worktree-remove", handleGitWorktreeRemove)
	c.RegisterHandler("git-diff-numstat", handleGitDiffNumstat)
	c.RegisterHandler("git-diff-file", handleGitDiffFile)
}

type diffNumstatEntry struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Binary    bool   `json:"binary"`
}

// handleGitDiffNumstat reports the per-file added/deleted line counts
// for the session directory's uncommitted changes.
func handleGitDiffNumstat(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var params filePathParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	out, err := exec.Command("git", "-C", params.Path, "diff", "--numstat", "HEAD").Output()
	if err != nil {
		return []diffNumstatEntry{}, nil
	}

	var entries []diffNumstatEntry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		entry := diffNumstatEntry{Path: fields[2]}
		if fields[0] == "-" || fields[1] == "-" {
			entry.Binary = true
		} else {
			entry.Additions, _ = strconv.Atoi(fields[0])
			entry.Deletions, _ = strconv.Atoi(fields[1])
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type gitDiffFileParams struct {
	Path string `json:"path"`
	File string `json:"file"`
}

type gitDiffFileResult struct {
	Diff string `json:"diff"`
}

// handleGitDiffFile returns the unified diff for a single file relative
// to HEAD.
func handleGitDiffFile(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var params gitDiffFileParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	out, err := exec.Command("git", "-C", params.Path, "diff", "HEAD", "--", params.File).Output()
	if err != nil {
		return gitDiffFileResult{}, nil
	}
	return gitDiffFileResult{Diff: string(out)}, nil
}

type gitInfoResult struct {
	Path           string `json:"path"`
	IsGitRepo      bool   `json:"isGitRepo"`
	IsWorktree     bool   `json:"isWorktree"`
	RepoRoot       string `json:"repoRoot"`
	RepoDirName    string `json:"repoDirName"`
	IsRepoRoot     bool   `json:"isRepoRoot"`
	IsWorktreeRoot bool   `json:"isWorktreeRoot"`
	CurrentBranch  string `json:"currentBranch,omitempty"`
	IsDirty        bool   `json:"isDirty"`
	Error          string `json:"error,omitempty"`
}

func handleGitInfo(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var params filePathParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	resp := gitInfoResult{Path: params.Path}
	info, err := gitutil.GetGitInfo(params.Path)
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}

	resp.IsGitRepo = info.IsGitRepo
	resp.IsWorktree = info.IsWorktree
	resp.RepoRoot = info.RepoRoot
	resp.RepoDirName = info.RepoDirName
	resp.IsRepoRoot = info.IsRepoRoot
	resp.IsWorktreeRoot = info.IsWorktreeRoot

	if info.IsRepoRoot || info.IsWorktreeRoot {
		if status := gitutil.GetGitStatus(params.Path); status != nil {
			resp.CurrentBranch = status.Branch
			resp.IsDirty = status.Modified || status.Added || status.Deleted ||
				status.Renamed || status.Untracked || status.TypeChanged || status.Conflicted
		}
	}
	return resp, nil
}

type gitWorktreeCreateParams struct {
	RepoRoot     string `json:"repoRoot"`
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	StartPoint   string `json:"startPoint"`
}

type gitWorktreeCreateResult struct {
	WorktreePath string `json:"worktreePath"`
	Error        string `json:"error,omitempty"`
}

func handleGitWorktreeCreate(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var params gitWorktreeCreateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	slog.Info("runner: creating worktree",
		"repo_root", params.RepoRoot, "worktree_path", params.WorktreePath,
		"branch_name", params.BranchName, "start_point", params.StartPoint)

	if err := gitutil.CreateWorktree(params.RepoRoot, params.WorktreePath, params.BranchName, params.StartPoint); err != nil {
		slog.Warn("runner: worktree creation failed", "worktree_path", params.WorktreePath, "error", err)
		return gitWorktreeCreateResult{WorktreePath: params.WorktreePath, Error: err.Error()}, nil
	}
	slog.Info("runner: worktree created", "worktree_path", params.WorktreePath)
	return gitWorktreeCreateResult{WorktreePath: params.WorktreePath}, nil
}

type gitWorktreeRemoveParams struct {
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	CheckOnly    bool   `json:"checkOnly"`
	Force        bool   `json:"force"`
}

type gitWorktreeRemoveResult struct {
	WorktreePath string `json:"worktreePath"`
	IsClean      bool   `json:"isClean"`
	Error        string `json:"error,omitempty"`
}

// handleGitWorktreeRemove removes worktreePath synchronously (unlike
// the teacher's early-ack-then-background-remove optimization: this
// transport's call/response shape has no room for a call to answer
// twice, so the hub simply waits for removal to finish). Branch
// deletion stays best-effort and asynchronous since its outcome isn't
// part of the RPC contract.
func handleGitWorktreeRemove(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	var params gitWorktreeRemoveParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}

	slog.Info("runner: handling worktree remove", "worktree_path", params.WorktreePath,
		"check_only", params.CheckOnly, "force", params.Force, "branch_name", params.BranchName)

	resp := gitWorktreeRemoveResult{WorktreePath: params.WorktreePath}

	clean, err := gitutil.IsWorktreeClean(params.WorktreePath)
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	resp.IsClean = clean

	if params.CheckOnly {
		return resp, nil
	}
	if !clean && !params.Force {
		return resp, nil
	}

	info, err := gitutil.GetGitInfo(params.WorktreePath)
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	if !info.IsGitRepo {
		resp.Error = "not a git repository"
		return resp, nil
	}

	if err := gitutil.RemoveWorktree(info.RepoRoot, params.WorktreePath); err != nil {
		slog.Warn("runner: worktree removal failed", "worktree_path", params.WorktreePath, "error", err)
		resp.Error = err.Error()
		return resp, nil
	}
	slog.Info("runner: worktree removed", "worktree_path", params.WorktreePath)

	if params.BranchName != "" {
		go deleteBranchIfUnused(info.RepoRoot, params.BranchName)
	}
	return resp, nil
}

func deleteBranchIfUnused(repoRoot, branchName string) {
	inUse, err := gitutil.IsBranchInUse(repoRoot, branchName)
	if err != nil {
		slog.Warn("runner: failed to check if branch is in use", "branch", branchName, "error", err)
		return
	}
	if inUse {
		slog.Info("runner: branch still in use, not deleting", "branch", branchName)
		return
	}
	slog.Info("runner: deleting branch after worktree removal", "branch", branchName, "repo_root", repoRoot)
	if err := gitutil.DeleteBranch(repoRoot, branchName); err != nil {
		slog.Warn("runner: failed to delete branch after worktree removal", "branch", branchName, "error", err)
		return
	}
	slog.Info("runner: branch deleted", "branch", branchName)
}
