// Package docrepo keeps each document's plain text in its own git repository
// so every applied edit is a commit that can be inspected or reverted.
package docrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"chronicle/anchoredit/internal/util"
)

const textFile = "document.txt"

var (
	ErrDocumentNotFound  = errors.New("document repository not found")
	ErrInvalidDocumentID = errors.New("invalid document id")
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
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

// EnsureDocument creates the repository with initial as its first commit.
// It reports false when the repository already existed.
func (s *Service) EnsureDocument(documentID, initial, author string) (bool, error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return false, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat repo path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return false, fmt.Errorf("init repo: %w", err)
	}
	hash, err := s.commit(repo, initial, author, "Import document baseline")
	if err != nil {
		return false, err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return false, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return false, fmt.Errorf("set HEAD to main: %w", err)
	}
	return true, nil
}

// Head returns the current document text and the commit it came from.
func (s *Service) Head(documentID string) (string, CommitInfo, error) {
	repo, unlock, err := s.open(documentID)
	if err != nil {
		return "", CommitInfo{}, err
	}
	defer unlock()

	ref, err := repo.Head()
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	text, err := readText(commitObj)
	if err != nil {
		return "", CommitInfo{}, err
	}
	return text, toCommitInfo(commitObj), nil
}

// Commit records text as the new head. Committing unchanged text returns the
// current head without creating a commit.
func (s *Service) Commit(documentID, text, author, message string) (CommitInfo, error) {
	repo, unlock, err := s.open(documentID)
	if err != nil {
		return CommitInfo{}, err
	}
	defer unlock()

	ref, err := repo.Head()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	head, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	if current, err := readText(head); err == nil && current == text {
		return toCommitInfo(head), nil
	}

	hash, err := s.commit(repo, text, author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// TextAt returns the document text at a full or abbreviated commit hash.
func (s *Service) TextAt(documentID, hash string) (string, error) {
	repo, unlock, err := s.open(documentID)
	if err != nil {
		return "", err
	}
	defer unlock()

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readText(commitObj)
}

// History lists commits newest first. limit <= 0 means all.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	repo, unlock, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
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

func (s *Service) open(documentID string) (*git.Repository, func(), error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return nil, nil, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		lock.Unlock()
		return nil, nil, fmt.Errorf("%s: %w", documentID, ErrDocumentNotFound)
	}
	if err != nil {
		lock.Unlock()
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func (s *Service) repoPath(documentID string) (string, error) {
	if !util.ValidID(documentID) || strings.Trim(documentID, ".") == "" || strings.Contains(documentID, "..") {
		return "", fmt.Errorf("%q: %w", documentID, ErrInvalidDocumentID)
	}
	return filepath.Join(s.baseDir, documentID), nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, text, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, textFile), []byte(text), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", textFile, err)
	}
	if _, err := worktree.Add(textFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", textFile, err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.anchoredit.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit document: %w", err)
	}
	return hash, nil
}

func readText(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(textFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", textFile, err)
	}
	text, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", textFile, err)
	}
	return text, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
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
