// Package gitrepo mirrors every user's feature revisions into a git
// repository, one branch per session.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	featureFile    = "feature.feature"
	estimationFile = "estimation.json"
	mainBranch     = "main"
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Revision is one change of a session's feature file.
type Revision struct {
	Content string
	Message string
	Comment string
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureUserRepo initialises the user's repository with an empty baseline on
// main. Existing repositories are left untouched.
func (s *Service) EnsureUserRepo(userID, author string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.ensureRepo(userID, author)
}

func (s *Service) ensureRepo(userID, author string) error {
	path := s.repoPath(userID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, featureFile), nil, 0o644); err != nil {
		return fmt.Errorf("write initial feature: %w", err)
	}
	if _, err := worktree.Add(featureFile); err != nil {
		return fmt.Errorf("git add initial feature: %w", err)
	}
	hash, err := worktree.Commit("Initialize feature history", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial feature: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	if err := repo.Storer.RemoveReference(plumbing.Master); err != nil {
		return fmt.Errorf("remove master ref: %w", err)
	}
	return nil
}

// CommitRevision records a revision on the session's branch, creating the
// repository and the branch when needed. Every revision produces a commit,
// even when the content did not change.
func (s *Service) CommitRevision(userID, sessionID string, revision Revision, author string) (CommitInfo, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureRepo(userID, author); err != nil {
		return CommitInfo{}, err
	}
	repo, err := git.PlainOpen(s.repoPath(userID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	message := firstLine(revision.Message, "Update feature")
	if revision.Comment != "" {
		message += "\n\n" + revision.Comment
	}
	hash, err := commitFile(repo, sessionID, featureFile, []byte(revision.Content), author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	return commitInfo(repo, hash)
}

// RecordEstimation commits the quality estimation next to the feature file
// on the session's branch.
func (s *Service) RecordEstimation(userID, sessionID string, estimation map[string]any, author string) (CommitInfo, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(sessionID), true); err != nil {
		return CommitInfo{}, fmt.Errorf("resolve session branch %s: %w", sessionID, err)
	}

	payload, err := json.MarshalIndent(estimation, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal estimation: %w", err)
	}
	message := "Record quality estimation"
	if overall, ok := estimation["overall"]; ok {
		message = fmt.Sprintf("Record quality estimation (overall %v)", overall)
	}
	hash, err := commitFile(repo, sessionID, estimationFile, append(payload, '\n'), author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	return commitInfo(repo, hash)
}

// History lists the commits of a session branch, newest first.
func (s *Service) History(userID, sessionID string, limit int) ([]CommitInfo, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(sessionID), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", sessionID, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Sessions lists the session branches of a user, sorted by name.
func (s *Service) Sessions(userID string) ([]string, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Close()

	names := make([]string, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if name != mainBranch {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ContentAt returns the feature file as of a commit.
func (s *Service) ContentAt(userID, hash string) (string, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(featureFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", featureFile, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", featureFile, err)
	}
	return content, nil
}

func (s *Service) repoPath(userID string) string {
	return filepath.Join(s.baseDir, sanitizePath(userID))
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[userID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[userID] = lock
	return lock
}

func commitFile(repo *git.Repository, branchName, name string, data []byte, author, message string) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, name), data, 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit %s: %w", name, err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			// New sessions branch off main so they start from the baseline.
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(mainBranch), Force: true}); err != nil {
				return fmt.Errorf("checkout main: %w", err)
			}
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func commitInfo(repo *git.Repository, hash plumbing.Hash) (CommitInfo, error) {
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "storymapper"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.storymapper.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func firstLine(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if idx := strings.IndexByte(value, '\n'); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	return value
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func sanitizePath(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
