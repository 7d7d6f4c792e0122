// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gitserver embeds a git server in the orchestrator. Every
// repository is a bare clone under the configured root; steps clone over
// smart HTTP and push results back, and merge and rebase happen server
// side in throwaway worktrees.
package gitserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetGitServerLogger().With().Str("component", "server").Logger()
		log = &l
	})
	return log
}

// Security constants for validation
const (
	maxRepoIDLength     = 128
	maxBranchNameLength = 250
	gitCommandTimeout   = 60 * time.Second
)

// ContextDir is the per-run scratch directory steps may write into the
// repository. It is stripped before any merge into a long-lived branch.
const ContextDir = ".lazyaf-context"

var (
	repoIDRegex     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)
)

// Server manages the bare repositories and performs server-side git
// operations against them.
type Server struct {
	repoRoot      string
	defaultBranch string
}

// NewServer creates a git server rooted at the configured directory,
// creating it if needed.
func NewServer(cfg *config.GitConfig) (*Server, error) {
	if cfg.RepoRoot == "" {
		return nil, fmt.Errorf("git repo_root is required")
	}
	if err := os.MkdirAll(cfg.RepoRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repo root: %w", err)
	}
	defaultBranch := cfg.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Server{
		repoRoot:      cfg.RepoRoot,
		defaultBranch: defaultBranch,
	}, nil
}

// validateRepoID rejects ids that could escape the repo root.
func validateRepoID(repoID string) error {
	if repoID == "" {
		return fmt.Errorf("repository id cannot be empty")
	}
	if len(repoID) > maxRepoIDLength {
		return fmt.Errorf("repository id too long: %d characters (max: %d)", len(repoID), maxRepoIDLength)
	}
	if strings.Contains(repoID, "..") {
		return fmt.Errorf("repository id contains invalid directory traversal")
	}
	if !repoIDRegex.MatchString(repoID) {
		return fmt.Errorf("repository id contains invalid characters: %s", repoID)
	}
	return nil
}

// validateBranchName validates branch names for security
func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(name) > maxBranchNameLength {
		return fmt.Errorf("branch name too long: %d characters (max: %d)", len(name), maxBranchNameLength)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("branch name cannot start with '-' or '.'")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name contains invalid directory traversal")
	}
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("branch name contains invalid characters: %s", name)
	}
	return nil
}

// RepoPath returns the bare repository directory for a repository id.
func (s *Server) RepoPath(repoID string) string {
	return filepath.Join(s.repoRoot, repoID+".git")
}

// getSafeEnvironment returns a minimal environment for git commands.
func getSafeEnvironment() []string {
	return []string{
		"HOME=" + os.Getenv("HOME"),
		"USER=" + os.Getenv("USER"),
		"PATH=" + os.Getenv("PATH"),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=",
		"GIT_AUTHOR_NAME=lazyaf",
		"GIT_AUTHOR_EMAIL=lazyaf@localhost",
		"GIT_COMMITTER_NAME=lazyaf",
		"GIT_COMMITTER_EMAIL=lazyaf@localhost",
	}
}

// runGit executes one git command in workDir and returns combined output.
func (s *Server) runGit(ctx context.Context, workDir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	getLog().Debug().Strs("args", args).Str("work_dir", workDir).Msg("Git operation")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir
	cmd.Env = getSafeEnvironment()

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w, output: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// CreateRepository initializes a bare repository with an empty root commit
// on the default branch, so clones have something to check out.
func (s *Server) CreateRepository(ctx context.Context, repoID string) error {
	if err := validateRepoID(repoID); err != nil {
		return err
	}
	repoPath := s.RepoPath(repoID)
	if s.Exists(repoID) {
		return fmt.Errorf("repository %s already exists", repoID)
	}

	if _, err := s.runGit(ctx, s.repoRoot, "init", "--bare", "--initial-branch="+s.defaultBranch, repoPath); err != nil {
		return err
	}

	// Seed an empty root commit so the default branch exists.
	tree, err := s.runGit(ctx, repoPath, "mktree")
	if err != nil {
		return err
	}
	commit, err := s.runGit(ctx, repoPath, "commit-tree", strings.TrimSpace(tree), "-m", "initial commit")
	if err != nil {
		return err
	}
	if _, err := s.runGit(ctx, repoPath, "update-ref", "refs/heads/"+s.defaultBranch, strings.TrimSpace(commit)); err != nil {
		return err
	}

	getLog().Info().Str("repo_id", repoID).Msg("Created bare repository")
	return nil
}

// DeleteRepository removes a bare repository and everything in it.
func (s *Server) DeleteRepository(ctx context.Context, repoID string) error {
	if err := validateRepoID(repoID); err != nil {
		return err
	}
	if !s.Exists(repoID) {
		return nil
	}
	if err := os.RemoveAll(s.RepoPath(repoID)); err != nil {
		return fmt.Errorf("failed to delete repository %s: %w", repoID, err)
	}
	getLog().Info().Str("repo_id", repoID).Msg("Deleted bare repository")
	return nil
}

// Exists reports whether the bare repository is present.
func (s *Server) Exists(repoID string) bool {
	if validateRepoID(repoID) != nil {
		return false
	}
	info, err := os.Stat(s.RepoPath(repoID))
	return err == nil && info.IsDir()
}

// GetRefs returns every branch head as ref name -> commit sha.
func (s *Server) GetRefs(ctx context.Context, repoID string) (map[string]string, error) {
	if err := validateRepoID(repoID); err != nil {
		return nil, err
	}
	output, err := s.runGit(ctx, s.RepoPath(repoID),
		"for-each-ref", "--format=%(refname) %(objectname)", "refs/heads/")
	if err != nil {
		return nil, err
	}

	refs := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) == 2 {
			refs[parts[0]] = parts[1]
		}
	}
	return refs, nil
}

// DefaultBranch returns the branch HEAD points at.
func (s *Server) DefaultBranch() string {
	return s.defaultBranch
}

// withWorktree clones the bare repository into a temp directory, runs fn
// against it, and cleans up. Changes only reach the bare repo when fn
// pushes them.
func (s *Server) withWorktree(ctx context.Context, repoID string, fn func(workDir string) error) error {
	if err := validateRepoID(repoID); err != nil {
		return err
	}
	if !s.Exists(repoID) {
		return fmt.Errorf("repository %s does not exist", repoID)
	}

	workDir, err := os.MkdirTemp("", "lazyaf-git-*")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	if _, err := s.runGit(ctx, workDir, "clone", s.RepoPath(repoID), "."); err != nil {
		return err
	}
	return fn(workDir)
}

// MergeConflict describes one file both sides of a merge or rebase changed,
// with each side's full content so a caller can pick or compose a
// resolution.
type MergeConflict struct {
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

// MergeResult reports a server-side merge attempt. On conflict Success is
// false, Conflicts lists the contested files, and no branch has moved; the
// caller decides the resolutions and calls ResolveAndMerge.
type MergeResult struct {
	Success   bool            `json:"success"`
	Conflicts []MergeConflict `json:"conflicts,omitempty"`
}

// RebaseResult reports a server-side rebase attempt.
type RebaseResult struct {
	Success   bool            `json:"success"`
	Conflicts []MergeConflict `json:"conflicts,omitempty"`
	NewSHA    string          `json:"new_sha,omitempty"`
}

// MergeBranch merges source into target server side. The context directory
// is stripped from the merge commit on the target, so per-run scratch never
// lands on a long-lived branch while the source branch keeps its history.
// A conflicted merge moves nothing and returns the conflict list.
func (s *Server) MergeBranch(ctx context.Context, repoID, source, target string) (*MergeResult, error) {
	if err := validateBranchName(source); err != nil {
		return nil, fmt.Errorf("invalid source branch: %w", err)
	}
	if err := validateBranchName(target); err != nil {
		return nil, fmt.Errorf("invalid target branch: %w", err)
	}

	var result *MergeResult
	err := s.withWorktree(ctx, repoID, func(workDir string) error {
		if _, err := s.runGit(ctx, workDir, "checkout", target); err != nil {
			return err
		}

		_, mergeErr := s.runGit(ctx, workDir, "merge", "--no-ff", "origin/"+source,
			"-m", fmt.Sprintf("merge %s into %s", source, target))
		if mergeErr != nil {
			conflicts, collectErr := s.collectConflicts(ctx, workDir, source, target)
			if _, abortErr := s.runGit(ctx, workDir, "merge", "--abort"); abortErr != nil {
				getLog().Debug().Err(abortErr).Msg("Merge abort failed")
			}
			if collectErr != nil {
				return fmt.Errorf("merge of %s into %s failed: %w", source, target, mergeErr)
			}
			result = &MergeResult{Conflicts: conflicts}
			return nil
		}

		if err := s.stripContextDir(ctx, workDir); err != nil {
			return err
		}
		if _, err := s.runGit(ctx, workDir, "push", "origin", target); err != nil {
			return err
		}
		result = &MergeResult{Success: true}

		getLog().Info().
			Str("repo_id", repoID).
			Str("source", source).
			Str("target", target).
			Msg("Merged branch server side")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveAndMerge redoes the merge of source into target with caller-chosen
// contents for the conflicted files, then pushes the target branch. The
// source branch is never modified.
func (s *Server) ResolveAndMerge(ctx context.Context, repoID, source, target string, resolutions map[string]string) (*MergeResult, error) {
	if err := validateBranchName(source); err != nil {
		return nil, fmt.Errorf("invalid source branch: %w", err)
	}
	if err := validateBranchName(target); err != nil {
		return nil, fmt.Errorf("invalid target branch: %w", err)
	}

	var result *MergeResult
	err := s.withWorktree(ctx, repoID, func(workDir string) error {
		if _, err := s.runGit(ctx, workDir, "checkout", target); err != nil {
			return err
		}

		_, mergeErr := s.runGit(ctx, workDir, "merge", "--no-ff", "origin/"+source,
			"-m", fmt.Sprintf("merge %s into %s", source, target))
		if mergeErr != nil {
			conflicted, err := s.conflictedPaths(ctx, workDir)
			if err != nil {
				return fmt.Errorf("merge of %s into %s failed: %w", source, target, mergeErr)
			}
			for _, path := range conflicted {
				content, ok := resolutions[path]
				if !ok {
					if _, abortErr := s.runGit(ctx, workDir, "merge", "--abort"); abortErr != nil {
						getLog().Debug().Err(abortErr).Msg("Merge abort failed")
					}
					return fmt.Errorf("no resolution for conflicted file %s", path)
				}
				if err := os.WriteFile(filepath.Join(workDir, path), []byte(content), 0o644); err != nil {
					return fmt.Errorf("failed to write resolution for %s: %w", path, err)
				}
				if _, err := s.runGit(ctx, workDir, "add", "--", path); err != nil {
					return err
				}
			}
			if _, err := s.runGit(ctx, workDir, "commit", "--no-edit",
				"-m", fmt.Sprintf("merge %s into %s (resolved %d conflicts)", source, target, len(conflicted))); err != nil {
				return err
			}
		}

		if err := s.stripContextDir(ctx, workDir); err != nil {
			return err
		}
		if _, err := s.runGit(ctx, workDir, "push", "origin", target); err != nil {
			return err
		}
		result = &MergeResult{Success: true}

		getLog().Info().
			Str("repo_id", repoID).
			Str("source", source).
			Str("target", target).
			Int("resolutions", len(resolutions)).
			Msg("Merged branch with caller resolutions")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// stripContextDir removes the context directory from the current checkout
// and commits the removal. The caller pushes.
func (s *Server) stripContextDir(ctx context.Context, workDir string) error {
	if _, err := os.Stat(filepath.Join(workDir, ContextDir)); os.IsNotExist(err) {
		return nil
	}
	if _, err := s.runGit(ctx, workDir, "rm", "-r", "--ignore-unmatch", ContextDir); err != nil {
		return err
	}
	if _, err := s.runGit(ctx, workDir, "commit", "-m", "strip run context directory"); err != nil {
		return err
	}
	return nil
}

// conflictedPaths lists the files the in-progress merge or rebase stopped on.
func (s *Server) conflictedPaths(ctx context.Context, workDir string) ([]string, error) {
	output, err := s.runGit(ctx, workDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	paths := strings.Fields(strings.TrimSpace(output))
	if len(paths) == 0 {
		return nil, fmt.Errorf("operation stopped without conflicted files")
	}
	return paths, nil
}

// collectConflicts gathers each contested path with both branch tips'
// contents. A side that deleted the file reports empty content.
func (s *Server) collectConflicts(ctx context.Context, workDir, source, target string) ([]MergeConflict, error) {
	paths, err := s.conflictedPaths(ctx, workDir)
	if err != nil {
		return nil, err
	}
	conflicts := make([]MergeConflict, 0, len(paths))
	for _, path := range paths {
		c := MergeConflict{Path: path}
		if out, showErr := s.runGit(ctx, workDir, "show", "origin/"+source+":"+path); showErr == nil {
			c.Source = out
		}
		if out, showErr := s.runGit(ctx, workDir, "show", "origin/"+target+":"+path); showErr == nil {
			c.Target = out
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, nil
}

// RebaseBranch rebases branch onto the tip of onto and force-pushes the
// result. A conflicted rebase is aborted and returns the conflict list for
// ResolveRebaseConflicts.
func (s *Server) RebaseBranch(ctx context.Context, repoID, branch, onto string) (*RebaseResult, error) {
	if err := validateBranchName(branch); err != nil {
		return nil, fmt.Errorf("invalid branch: %w", err)
	}
	if err := validateBranchName(onto); err != nil {
		return nil, fmt.Errorf("invalid rebase target: %w", err)
	}

	var result *RebaseResult
	err := s.withWorktree(ctx, repoID, func(workDir string) error {
		if _, err := s.runGit(ctx, workDir, "checkout", branch); err != nil {
			return err
		}

		_, rebaseErr := s.runGit(ctx, workDir, "rebase", "origin/"+onto)
		if rebaseErr != nil {
			conflicts, collectErr := s.collectConflicts(ctx, workDir, branch, onto)
			if _, abortErr := s.runGit(ctx, workDir, "rebase", "--abort"); abortErr != nil {
				getLog().Debug().Err(abortErr).Msg("Rebase abort failed")
			}
			if collectErr != nil {
				return fmt.Errorf("rebase of %s onto %s failed: %w", branch, onto, rebaseErr)
			}
			result = &RebaseResult{Conflicts: conflicts}
			return nil
		}

		sha, err := s.pushRebased(ctx, workDir, branch)
		if err != nil {
			return err
		}
		result = &RebaseResult{Success: true, NewSHA: sha}

		getLog().Info().
			Str("repo_id", repoID).
			Str("branch", branch).
			Str("onto", onto).
			Str("new_sha", sha).
			Msg("Rebased branch server side")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveRebaseConflicts replays the rebase of branch onto onto, writing the
// caller's contents at every conflicted stop, then force-pushes the rebased
// branch. The onto branch is never modified.
func (s *Server) ResolveRebaseConflicts(ctx context.Context, repoID, branch, onto string, resolutions map[string]string) (*RebaseResult, error) {
	if err := validateBranchName(branch); err != nil {
		return nil, fmt.Errorf("invalid branch: %w", err)
	}
	if err := validateBranchName(onto); err != nil {
		return nil, fmt.Errorf("invalid rebase target: %w", err)
	}

	var result *RebaseResult
	err := s.withWorktree(ctx, repoID, func(workDir string) error {
		if _, err := s.runGit(ctx, workDir, "checkout", branch); err != nil {
			return err
		}

		_, rebaseErr := s.runGit(ctx, workDir, "rebase", "origin/"+onto)
		if rebaseErr != nil {
			if err := s.walkRebaseWithResolutions(ctx, workDir, resolutions); err != nil {
				if _, abortErr := s.runGit(ctx, workDir, "rebase", "--abort"); abortErr != nil {
					getLog().Debug().Err(abortErr).Msg("Rebase abort failed")
				}
				return fmt.Errorf("rebase of %s onto %s failed: %w", branch, onto, err)
			}
		}

		sha, err := s.pushRebased(ctx, workDir, branch)
		if err != nil {
			return err
		}
		result = &RebaseResult{Success: true, NewSHA: sha}

		getLog().Info().
			Str("repo_id", repoID).
			Str("branch", branch).
			Str("onto", onto).
			Str("new_sha", sha).
			Int("resolutions", len(resolutions)).
			Msg("Rebased branch with caller resolutions")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// walkRebaseWithResolutions drives a stopped rebase to completion, applying
// the caller's content at each conflicted file.
func (s *Server) walkRebaseWithResolutions(ctx context.Context, workDir string, resolutions map[string]string) error {
	for attempts := 0; attempts < 100; attempts++ {
		output, err := s.runGit(ctx, workDir, "diff", "--name-only", "--diff-filter=U")
		if err != nil {
			return err
		}
		conflicted := strings.Fields(strings.TrimSpace(output))
		for _, path := range conflicted {
			content, ok := resolutions[path]
			if !ok {
				return fmt.Errorf("no resolution for conflicted file %s", path)
			}
			if err := os.WriteFile(filepath.Join(workDir, path), []byte(content), 0o644); err != nil {
				return fmt.Errorf("failed to write resolution for %s: %w", path, err)
			}
			if _, err := s.runGit(ctx, workDir, "add", "--", path); err != nil {
				return err
			}
		}

		_, contErr := s.runGit(ctx, workDir, "-c", "core.editor=true", "rebase", "--continue")
		if contErr == nil {
			return nil
		}
		// Still stopped: either more conflicts in the next commit, or a
		// commit became empty.
		if _, skipErr := s.runGit(ctx, workDir, "rebase", "--skip"); skipErr == nil {
			continue
		}
	}
	return fmt.Errorf("rebase did not converge")
}

// pushRebased force-pushes the rebased branch and returns its new head sha.
func (s *Server) pushRebased(ctx context.Context, workDir, branch string) (string, error) {
	if _, err := s.runGit(ctx, workDir, "push", "--force-with-lease", "origin", branch); err != nil {
		return "", err
	}
	sha, err := s.runGit(ctx, workDir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

// DeleteDirectoryFromBranch removes a directory from a branch head and
// pushes the removal as a commit.
func (s *Server) DeleteDirectoryFromBranch(ctx context.Context, repoID, branch, dir string) error {
	if err := validateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch: %w", err)
	}
	if dir == "" || strings.Contains(dir, "..") || strings.HasPrefix(dir, "/") {
		return fmt.Errorf("invalid directory: %s", dir)
	}

	return s.withWorktree(ctx, repoID, func(workDir string) error {
		if _, err := s.runGit(ctx, workDir, "checkout", branch); err != nil {
			return err
		}
		if _, err := s.runGit(ctx, workDir, "rm", "-r", "--ignore-unmatch", dir); err != nil {
			return err
		}
		status, err := s.runGit(ctx, workDir, "status", "--porcelain")
		if err != nil {
			return err
		}
		if strings.TrimSpace(status) == "" {
			return nil
		}
		if _, err := s.runGit(ctx, workDir, "commit", "-m", fmt.Sprintf("remove %s", dir)); err != nil {
			return err
		}
		if _, err := s.runGit(ctx, workDir, "push", "origin", branch); err != nil {
			return err
		}
		return nil
	})
}
