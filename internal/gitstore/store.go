// Package gitstore owns the on-disk layout of driftwood's storage root: one
// bare Git repository per RID, with per-peer namespaces, sigrefs, and
// identity history, per spec.md §3 "Namespace layout" and §6 "On-disk
// layout".
package gitstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"driftwood/internal/identity"
	"driftwood/internal/ridpkg"
)

// Store owns every repository under a single home directory and the
// per-repository locks that serialize writers (spec.md §3 "Ownership",
// §5 "per-repository lock").
type Store struct {
	root string

	mu    sync.Mutex
	locks map[ridpkg.RID]*sync.RWMutex
}

// Open returns a Store rooted at <home>/storage.
func Open(home string) (*Store, error) {
	root := filepath.Join(home, "storage")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("gitstore: create storage root: %w", err)
	}
	return &Store{root: root, locks: make(map[ridpkg.RID]*sync.RWMutex)}, nil
}

// RepoPath returns the bare Git directory for rid.
func (s *Store) RepoPath(rid ridpkg.RID) string {
	return filepath.Join(s.root, rid.Hex())
}

// Lock returns the per-repository lock for rid, creating it on first use.
func (s *Store) Lock(rid ridpkg.RID) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[rid]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[rid] = l
	}
	return l
}

// Exists reports whether a repository for rid has been initialised.
func (s *Store) Exists(rid ridpkg.RID) bool {
	_, err := os.Stat(s.RepoPath(rid))
	return err == nil
}

// Init creates a new bare repository for rid. Mirrors the teacher pack's
// InitEmptyRepository pattern of a bare repo with no default branch ref.
func (s *Store) Init(rid ridpkg.RID) (*git.Repository, error) {
	path := s.RepoPath(rid)
	repo, err := git.PlainInit(path, true)
	if err != nil {
		return nil, fmt.Errorf("gitstore: init %s: %w", rid, err)
	}
	if err := removeDefaultRefs(repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// Open opens an existing repository for rid.
func (s *Store) Open(rid ridpkg.RID) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.RepoPath(rid))
	if err != nil {
		return nil, fmt.Errorf("gitstore: open %s: %w", rid, err)
	}
	return repo, nil
}

// OpenOrInit opens rid's repository, initialising it if absent.
func (s *Store) OpenOrInit(rid ridpkg.RID) (*git.Repository, error) {
	if s.Exists(rid) {
		return s.Open(rid)
	}
	return s.Init(rid)
}

func removeDefaultRefs(repo *git.Repository) error {
	if err := repo.Storer.RemoveReference(plumbing.Master); err != nil && err != plumbing.ErrReferenceNotFound {
		return fmt.Errorf("gitstore: remove master ref: %w", err)
	}
	if err := repo.Storer.RemoveReference(plumbing.HEAD); err != nil && err != plumbing.ErrReferenceNotFound {
		return fmt.Errorf("gitstore: remove HEAD ref: %w", err)
	}
	return nil
}

// NamespaceRef builds "refs/namespaces/<nid>/<suffix>".
func NamespaceRef(nid identity.NID, suffix plumbing.ReferenceName) plumbing.ReferenceName {
	return plumbing.ReferenceName(fmt.Sprintf("refs/namespaces/%s/%s", nid.String(), suffix))
}

// SigrefsRef is the well-known ref a peer's signed ref map is published at,
// within its own namespace.
func SigrefsRef(nid identity.NID) plumbing.ReferenceName {
	return NamespaceRef(nid, "refs/rad/sigrefs")
}

// IdentityRef is the well-known ref a peer's identity document history lives
// at, within its own namespace.
func IdentityRef(nid identity.NID) plumbing.ReferenceName {
	return NamespaceRef(nid, "refs/rad/id")
}
