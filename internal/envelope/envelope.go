// Package envelope assembles API response envelopes. List responses
// carry the requested objects plus a flat references array holding
// every user, project, and page they mention, each tagged with a type
// discriminator and deduplicated.
package envelope

import (
	"github.com/taskdeck/upload-service/internal/model"
)

// Kind discriminates referenced object types on the wire.
type Kind string

const (
	KindUser    Kind = "User"
	KindProject Kind = "Project"
	KindPage    Kind = "Page"
)

// UserReference is a referenced user with its type discriminator.
type UserReference struct {
	model.User
	Type Kind `json:"type"`
}

// ProjectReference is a referenced project with its type discriminator.
type ProjectReference struct {
	model.Project
	Type Kind `json:"type"`
}

// PageReference is a referenced page with its type discriminator.
type PageReference struct {
	model.Page
	Type Kind `json:"type"`
}

// UploadList is the list response envelope.
type UploadList struct {
	Objects    []model.Upload `json:"objects"`
	References []any          `json:"references"`
	HasMore    bool           `json:"hasMore"`
}

// UploadDetail is the single-upload response: the upload's fields at
// the top level plus its references.
type UploadDetail struct {
	model.Upload
	References []any `json:"references"`
}

type refKey struct {
	kind Kind
	id   string
}

// Builder collects references in first-seen order, deduplicating by
// type and id.
type Builder struct {
	seen map[refKey]struct{}
	refs []any
}

func NewBuilder() *Builder {
	return &Builder{seen: map[refKey]struct{}{}, refs: []any{}}
}

func (b *Builder) add(key refKey, ref any) {
	if _, ok := b.seen[key]; ok {
		return
	}
	b.seen[key] = struct{}{}
	b.refs = append(b.refs, ref)
}

func (b *Builder) AddUser(u model.User) {
	b.add(refKey{KindUser, u.ID}, UserReference{User: u, Type: KindUser})
}

func (b *Builder) AddProject(p model.Project) {
	b.add(refKey{KindProject, p.ID.String()}, ProjectReference{Project: p, Type: KindProject})
}

func (b *Builder) AddPage(p model.Page) {
	b.add(refKey{KindPage, p.ID.String()}, PageReference{Page: p, Type: KindPage})
}

// References returns the collected references in first-seen order.
// The result is never nil, so an empty set marshals as [].
func (b *Builder) References() []any {
	return b.refs
}
