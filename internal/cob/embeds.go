package cob

import (
	"fmt"
	"io"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// StoreEmbed writes content as a Git blob and returns an Embed referencing
// it by name and object id.
func StoreEmbed(repo *git.Repository, name string, content []byte) (Embed, error) {
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return Embed{}, fmt.Errorf("cob: open blob writer for embed %s: %w", name, err)
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return Embed{}, fmt.Errorf("cob: write embed %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return Embed{}, fmt.Errorf("cob: close embed %s: %w", name, err)
	}
	oid, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return Embed{}, fmt.Errorf("cob: store embed %s: %w", name, err)
	}
	return Embed{Name: name, OID: oid}, nil
}

// ResolveEmbed fetches an embed's blob contents lazily, per spec.md §4.7
// "Embeds" ("Resolution fetches the blob lazily").
func ResolveEmbed(repo *git.Repository, e Embed) ([]byte, error) {
	blob, err := repo.BlobObject(e.OID)
	if err != nil {
		return nil, fmt.Errorf("cob: resolve embed %s (%s): %w", e.Name, e.OID, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("cob: open embed %s: %w", e.Name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cob: read embed %s: %w", e.Name, err)
	}
	return data, nil
}
