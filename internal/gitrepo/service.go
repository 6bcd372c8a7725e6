// Package gitrepo keeps each entry's encoded content in its own git
// repository, one commit per save, so the raw markup history survives.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile = "content.cmk"
	branchName  = "main"
)

var ErrEntryNotFound = errors.New("entry repository not found")

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	author  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		author:  "Catharsis",
		locks:   make(map[string]*sync.Mutex),
	}
}

// Load returns the content at the head of the entry's main branch.
func (s *Service) Load(ctx context.Context, entryID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(entryID)
	if err != nil {
		return "", err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return "", err
	}
	return readContent(commitObj)
}

// Save commits content as the entry's new head, creating the repository on
// first use. Content identical to the head is not committed again.
func (s *Service) Save(ctx context.Context, entryID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(entryID)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return s.initRepo(path, content)
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	if head, err := headCommit(repo); err == nil {
		if current, err := readContent(head); err == nil && current == content {
			return nil
		}
	}
	if _, err := s.commit(repo, content, "Save entry"); err != nil {
		return err
	}
	return nil
}

func (s *Service) initRepo(path, content string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	hash, err := s.commit(repo, content, "Create entry")
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branchName), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// History lists commits newest first. A limit of zero or less returns all.
func (s *Service) History(entryID string, limit int) ([]Commit, error) {
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(entryID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// ContentAt returns the content committed at hash, full or abbreviated.
func (s *Service) ContentAt(entryID, hash string) (string, error) {
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(entryID)
	if err != nil {
		return "", err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContent(commitObj)
}

// Delete removes the entry's repository. Missing repositories are not an error.
func (s *Service) Delete(entryID string) error {
	lock := s.entryLock(entryID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(entryID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) open(entryID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(entryID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(entryID string) string {
	return filepath.Join(s.baseDir, entryID)
}

func (s *Service) entryLock(entryID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[entryID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[entryID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, content, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, contentFile), []byte(content), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  s.author,
			Email: "journal@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readContent(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return content, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
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
